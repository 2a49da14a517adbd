// Package accounts loads the accounts the voter runs for.
package accounts

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/skridlevsky/expert-voter/internal/strategy"
)

// Account is one voting identity. It is not modified after loading.
type Account struct {
	Login      string            `json:"login"`
	Secret     string            `json:"-"`
	CategoryID int               `json:"categoryId"`
	Strategy   strategy.Strategy `json:"strategy"`
}

// Source yields the accounts to run
type Source interface {
	Load(ctx context.Context) ([]Account, error)
}

// LineError reports a malformed account record
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("accounts line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// ParseLine parses login:secret:categoryId[:strategyName].
// ok is false for lines that are skipped (blank login or comment).
func ParseLine(line string, reg *strategy.Registry) (acc Account, ok bool, err error) {
	line = strings.TrimRight(line, "\r")
	if strings.HasPrefix(strings.TrimSpace(line), "#") {
		return Account{}, false, nil
	}

	fields := strings.Split(line, ":")
	if strings.TrimSpace(fields[0]) == "" {
		return Account{}, false, nil
	}
	if len(fields) != 3 && len(fields) != 4 {
		return Account{}, false, fmt.Errorf("expected login:secret:categoryId[:strategy], got %d fields", len(fields))
	}

	categoryID, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return Account{}, false, fmt.Errorf("invalid category id %q", fields[2])
	}

	var name string
	if len(fields) == 4 {
		name = fields[3]
	}
	s, err := reg.Resolve(name)
	if err != nil {
		return Account{}, false, err
	}

	return Account{
		Login:      strings.TrimSpace(fields[0]),
		Secret:     fields[1],
		CategoryID: categoryID,
		Strategy:   s,
	}, true, nil
}

// ParseLines reads one account per line. The first malformed line aborts
// parsing with a *LineError.
func ParseLines(r io.Reader, reg *strategy.Registry) ([]Account, error) {
	var accounts []Account

	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		n++
		acc, ok, err := ParseLine(scanner.Text(), reg)
		if err != nil {
			return nil, &LineError{Line: n, Err: err}
		}
		if ok {
			accounts = append(accounts, acc)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading accounts: %w", err)
	}

	return accounts, nil
}

// FileSource reads accounts from a text file
type FileSource struct {
	Path     string
	Registry *strategy.Registry
}

// Load implements Source
func (s *FileSource) Load(ctx context.Context) ([]Account, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open accounts file: %w", err)
	}
	defer f.Close()

	return ParseLines(f, s.Registry)
}
