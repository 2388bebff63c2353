// Package binlog reads MySQL binary log coordinates. Snapshots are stamped
// with the position current at capture time, and a follower can wait for
// row events on the captured tables.
package binlog

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
)

// ErrInvalidPosition is returned for a position that is not "file:pos"
var ErrInvalidPosition = errors.New("invalid binlog position")

// FormatPosition renders a position as "file:pos"
func FormatPosition(pos mysql.Position) string {
	return fmt.Sprintf("%s:%d", pos.Name, pos.Pos)
}

// ParsePosition parses "file:pos". The last colon separates the offset so
// that file names containing colons survive.
func ParsePosition(s string) (mysql.Position, error) {
	s = strings.TrimSpace(s)
	lastColon := strings.LastIndexByte(s, ':')
	if lastColon <= 0 || lastColon == len(s)-1 {
		return mysql.Position{}, fmt.Errorf("%w: %q", ErrInvalidPosition, s)
	}
	pos, err := strconv.ParseUint(s[lastColon+1:], 10, 32)
	if err != nil {
		return mysql.Position{}, fmt.Errorf("%w: %q", ErrInvalidPosition, s)
	}
	return mysql.Position{Name: s[:lastColon], Pos: uint32(pos)}, nil
}

// LoadPosition reads a position file. A missing or empty file reports
// ok == false. A file holding only a name, the legacy format, is accepted
// with offset 4, the first event of any binlog file.
func LoadPosition(path string) (pos mysql.Position, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return mysql.Position{}, false, nil
	}
	if err != nil {
		return mysql.Position{}, false, fmt.Errorf("failed to read position file: %w", err)
	}

	s := strings.TrimSpace(string(data))
	if s == "" {
		return mysql.Position{}, false, nil
	}
	if !strings.Contains(s, ":") {
		return mysql.Position{Name: s, Pos: 4}, true, nil
	}
	pos, err = ParsePosition(s)
	if err != nil {
		return mysql.Position{}, false, err
	}
	return pos, true, nil
}

// SavePosition writes pos as "file:pos"
func SavePosition(path string, pos mysql.Position) error {
	if pos.Name == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(FormatPosition(pos)), 0644); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}
