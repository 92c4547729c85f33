package apparmor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Parser invokes apparmor_parser to compile profiles and manage their
// in-kernel state.
type Parser struct {
	Path string
}

// FindParser locates the apparmor_parser binary. An empty path means
// search $PATH.
func FindParser(path string) (*Parser, error) {
	if path == "" {
		p, err := exec.LookPath("apparmor_parser")
		if err != nil {
			return nil, err
		}
		path = p
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return nil, fmt.Errorf("apparmor_parser at %s is not executable: %w", path, err)
	}
	return &Parser{Path: path}, nil
}

func (p *Parser) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, p.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s %s: %w: %s", filepath.Base(p.Path), strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("%s %s: %w", filepath.Base(p.Path), strings.Join(args, " "), err)
	}
	return nil
}

// CheckSyntax compiles the profile at path without touching the kernel or
// the policy cache. Used as a fail-fast gate before a profile is installed.
func (p *Parser) CheckSyntax(ctx context.Context, path string) error {
	return p.run(ctx, "-Q", "-K", path)
}

// LoadProfile replaces the in-kernel policy with the profile at path.
func (p *Parser) LoadProfile(ctx context.Context, path string) error {
	return p.run(ctx, "-K", "-r", path)
}

// UnloadProfile removes the profile at path from the kernel. Unloading a
// profile the kernel does not know is not an error.
func (p *Parser) UnloadProfile(ctx context.Context, path string) error {
	err := p.run(ctx, "-R", path)
	if err != nil && strings.Contains(err.Error(), "does not exist") {
		return nil
	}
	return err
}
