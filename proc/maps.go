package proc

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rogerhu/gdb-heap/inferior"
)

// ParseMaps parses /proc/PID/maps content into regions. Lines are of
// the form
//
//	55f2a0c00000-55f2a0c21000 rw-p 00000000 00:00 0          [heap]
//
// with the path column absent for anonymous mappings. The kernel emits
// the lines in ascending address order and we keep that order.
func ParseMaps(r io.Reader) ([]inferior.Region, error) {
	var regions []inferior.Region
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		reg, err := parseMapsLine(line)
		if err != nil {
			return nil, err
		}
		regions = append(regions, reg)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return regions, nil
}

func parseMapsLine(line string) (inferior.Region, error) {
	// addr perms offset dev inode [path]; the path may contain spaces
	// (e.g. "/tmp/my lib.so" or "[stack:1234]"), so split at most 6 ways.
	fields := strings.SplitN(line, " ", 6)
	if len(fields) < 5 {
		return inferior.Region{}, fmt.Errorf("malformed maps line %q", line)
	}
	addrs, perms, offset, _, inode := fields[0], fields[1], fields[2], fields[3], fields[4]

	lo, hi, ok := strings.Cut(addrs, "-")
	if !ok {
		return inferior.Region{}, fmt.Errorf("malformed address range %q", addrs)
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return inferior.Region{}, fmt.Errorf("malformed maps line %q: %v", line, err)
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return inferior.Region{}, fmt.Errorf("malformed maps line %q: %v", line, err)
	}
	off, err := strconv.ParseUint(offset, 16, 64)
	if err != nil {
		return inferior.Region{}, fmt.Errorf("malformed maps line %q: %v", line, err)
	}
	// The inode field may have trailing content glued on when the line
	// has no path separator padding; be tolerant.
	ino, err := strconv.ParseUint(strings.TrimSpace(inode), 10, 64)
	if err != nil {
		return inferior.Region{}, fmt.Errorf("malformed maps line %q: %v", line, err)
	}

	var path string
	if len(fields) == 6 {
		path = strings.TrimSpace(fields[5])
	}
	return inferior.Region{
		Start:  start,
		End:    end,
		Perms:  perms,
		Offset: off,
		Inode:  ino,
		Path:   path,
	}, nil
}
