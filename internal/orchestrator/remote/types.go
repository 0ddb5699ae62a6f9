// Package remote drives ordered command and file-transfer sequences against a
// single host over SSH, optionally tunnelled through a jump host.
package remote

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Endpoint describes how to reach and authenticate to one SSH host.
type Endpoint struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte
}

// Address returns host:port, defaulting to port 22.
func (e Endpoint) Address() string {
	port := e.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// CommandResult is the combined output and exit status of one remote command.
type CommandResult struct {
	Command    string `json:"command"`
	Output     string `json:"output"`
	ExitStatus int    `json:"exit_status"`
}

// Conn is an established remote connection.
type Conn interface {
	// Run executes cmd and returns its combined output. A non-zero exit is
	// reported through ExitStatus, not as an error.
	Run(ctx context.Context, cmd string) (CommandResult, error)

	// Upload copies a local file to remotePath.
	Upload(ctx context.Context, localPath, remotePath string) error

	Close() error
}

// Dialer opens connections, through jump when it is non-nil.
type Dialer interface {
	Dial(ctx context.Context, target Endpoint, jump *Endpoint) (Conn, error)
}

// CommandError reports a command that exited with a non-zero status.
type CommandError struct {
	Result CommandResult
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with status %d: %s", e.Result.Command, e.Result.ExitStatus, e.Result.Output)
}
