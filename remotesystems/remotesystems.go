// Package remotesystems parses the remote-machines file and accounts for
// per-machine build load via slot files, the bookkeeping a NIX_BUILD_HOOK
// implementation needs without reinventing its own file format.
package remotesystems

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pathforge/castore"
)

// Machine describes one line of the remote-machines file: a build
// capable host, the platforms it can build for, how many jobs it accepts
// concurrently, and a relative speed factor. This package only parses and
// stores SpeedFactor; it does not choose between machines.
type Machine struct {
	Hostname     string
	Platforms    []string
	MaxJobs      int
	SpeedFactor  float64
}

// CanBuild reports whether m declares support for platform.
func (m Machine) CanBuild(platform string) bool {
	for _, p := range m.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// ParseMachinesFile reads the format "hostname platforms maxJobs [speedFactor]",
// one machine per line, platforms comma-separated, speedFactor defaulting to
// 1.0 when omitted, blank lines and lines starting with '#' ignored.
func ParseMachinesFile(path string) ([]Machine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, castore.SysError("remotesystems: opening machines file", err)
	}
	defer f.Close()

	var machines []Machine
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m, err := parseMachineLine(line)
		if err != nil {
			return nil, castore.UsageError(fmt.Sprintf("remotesystems: %s line %d: %v", path, lineNo, err), line)
		}
		machines = append(machines, m)
	}
	if err := sc.Err(); err != nil {
		return nil, castore.SysError("remotesystems: reading machines file", err)
	}
	return machines, nil
}

func parseMachineLine(line string) (Machine, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || len(fields) > 4 {
		return Machine{}, fmt.Errorf("expected \"hostname platforms maxJobs [speedFactor]\", got %q", line)
	}

	maxJobs, err := strconv.Atoi(fields[2])
	if err != nil {
		return Machine{}, fmt.Errorf("invalid maxJobs %q: %w", fields[2], err)
	}

	speedFactor := 1.0
	if len(fields) == 4 {
		speedFactor, err = strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return Machine{}, fmt.Errorf("invalid speedFactor %q: %w", fields[3], err)
		}
	}

	return Machine{
		Hostname:    fields[0],
		Platforms:   strings.Split(fields[1], ","),
		MaxJobs:     maxJobs,
		SpeedFactor: speedFactor,
	}, nil
}
