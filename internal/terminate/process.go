package terminate

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Alive reports whether pid refers to a live process. The primary probe is a
// signal-0 delivery; zombies are treated as dead. When the probe is
// inconclusive the process table is scanned instead.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
		state, ok := procState(pid)
		if ok {
			return state != 'Z' && state != 'X'
		}
		if runtime.GOOS == "linux" {
			return true
		}
		return psAlive(pid)
	case errors.Is(err, unix.ESRCH):
		return false
	default:
		return psAlive(pid)
	}
}

// procState reads the one-letter state from /proc/<pid>/stat.
func procState(pid int) (byte, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	// The command name is parenthesised and may itself contain spaces.
	end := bytes.LastIndexByte(data, ')')
	if end < 0 || end+2 >= len(data) {
		return 0, false
	}
	return data[end+2], true
}

func psAlive(pid int) bool {
	table, err := psTable()
	if err != nil {
		return false
	}
	entry, ok := table[pid]
	return ok && !strings.HasPrefix(entry.stat, "Z")
}

type procEntry struct {
	ppid int
	stat string
}

// Descendants returns every descendant of pid, children first.
func Descendants(pid int) []int {
	table, err := processTable()
	if err != nil {
		return nil
	}

	children := make(map[int][]int, len(table))
	for child, entry := range table {
		children[entry.ppid] = append(children[entry.ppid], child)
	}

	var (
		result []int
		seen   = map[int]bool{pid: true}
		queue  = []int{pid}
	)
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range children[parent] {
			if seen[child] {
				continue
			}
			seen[child] = true
			result = append(result, child)
			queue = append(queue, child)
		}
	}
	return result
}

func processTable() (map[int]procEntry, error) {
	if table, err := procfsTable(); err == nil {
		return table, nil
	}
	return psTable()
}

func procfsTable() (map[int]procEntry, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	table := make(map[int]procEntry, len(entries))
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "stat"))
		if err != nil {
			continue
		}
		end := bytes.LastIndexByte(data, ')')
		if end < 0 || end+2 >= len(data) {
			continue
		}
		fields := strings.Fields(string(data[end+2:]))
		if len(fields) < 2 {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		table[pid] = procEntry{ppid: ppid, stat: fields[0]}
	}
	if len(table) == 0 {
		return nil, errors.New("empty /proc")
	}
	return table, nil
}

func psTable() (map[int]procEntry, error) {
	output, err := exec.Command("ps", "-A", "-o", "pid=", "-o", "ppid=", "-o", "stat=").Output()
	if err != nil {
		return nil, err
	}

	table := make(map[int]procEntry)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		entry := procEntry{ppid: ppid}
		if len(fields) > 2 {
			entry.stat = fields[2]
		}
		table[pid] = entry
	}
	return table, scanner.Err()
}
