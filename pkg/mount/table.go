package mount

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/outofforest/bootdisk/pkg/fault"
)

// TableFile is the mount table of the process.
const TableFile = "/proc/self/mounts"

// Entry is the entry of mount table.
type Entry struct {
	Source string
	Target string
	FSType string
}

// Table reads the mount table.
func Table(file string) ([]Entry, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	return ParseTable(f)
}

// ParseTable parses the mount table in fstab format.
func ParseTable(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		props := strings.Fields(scanner.Text())
		if len(props) < 3 {
			// last empty line
			continue
		}
		entries = append(entries, Entry{
			Source: unescape(props[0]),
			Target: unescape(props[1]),
			FSType: props[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return entries, nil
}

// EnsureUnmounted fails if the device or any of its partitions is mounted.
func EnsureUnmounted(entries []Entry, device string) error {
	for _, e := range entries {
		if e.Source == device || isPartitionOf(e.Source, device) {
			return fault.Newf(fault.ErrConfiguration, "device %s is mounted on %s", e.Source, e.Target)
		}
	}
	return nil
}

func isPartitionOf(source, device string) bool {
	if device == "" {
		return false
	}
	rest, ok := strings.CutPrefix(source, device)
	if !ok || rest == "" {
		return false
	}
	if last := device[len(device)-1]; last >= '0' && last <= '9' {
		if rest, ok = strings.CutPrefix(rest, "p"); !ok {
			return false
		}
	}
	_, err := strconv.Atoi(rest)
	return err == nil
}

// unescape decodes octal escapes used by the kernel for spaces, tabs, newlines and backslashes.
func unescape(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+4 <= len(v) {
			if n, err := strconv.ParseUint(v[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(v[i])
	}
	return b.String()
}
