// Package protocol defines the wire format: three lines per request
// (command, key, argument), single-line responses, and the async push
// lines the server uses for backoff and epoch notifications.
package protocol

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const MaxLineBytes = 512

type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Error codes. Read-level errors (10, 11, 12) mean the stream may be
// desynchronized; parse-level errors consumed all three lines and the
// connection can continue.
const (
	CodeInvalidCmd   = 3
	CodeInvalidInt   = 4
	CodeBadKey       = 5
	CodeBadArg       = 8
	CodeReadTimeout  = 10
	CodeDisconnected = 11
	CodeLineTooLong  = 12
)

// Request is one parsed client request.
type Request struct {
	Cmd    string
	Shard  string
	Object string
	Value  string // put payload, raw
	ID     uint64 // ack: backoff id
	Begin  string
	End    string
	Epoch  uint64
	Token  string // auth
}

// Ack is a response to one request.
type Ack struct {
	Status string // "ok", "notfound", "blocked", "error", "error_*"
	Extra  string
}

func ReadLine(r *bufio.Reader, timeout time.Duration, conn net.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", &ProtocolError{Code: CodeReadTimeout, Message: "failed to set deadline"}
	}
	line, err := r.ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", &ProtocolError{Code: CodeReadTimeout, Message: "read timeout"}
		}
		return "", &ProtocolError{Code: CodeDisconnected, Message: "client disconnected"}
	}
	if len(line) > MaxLineBytes+1 { // +1 for the \n
		return "", &ProtocolError{Code: CodeLineTooLong, Message: "line too long"}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// token validates a single space-free protocol token (shard ids, object
// keys, range bounds).
func token(s, what string) (string, error) {
	if s == "" {
		return "", &ProtocolError{Code: CodeBadArg, Message: "empty " + what}
	}
	if strings.ContainsAny(s, " \t") {
		return "", &ProtocolError{Code: CodeBadArg, Message: what + " must not contain whitespace"}
	}
	return s, nil
}

func parseUint(s, what string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, &ProtocolError{Code: CodeInvalidInt, Message: fmt.Sprintf("invalid %s: %q", what, s)}
	}
	return n, nil
}

// splitObjectKey splits a "<shard>/<object>" key line.
func splitObjectKey(key string) (string, string, error) {
	shard, object, ok := strings.Cut(key, "/")
	if !ok || shard == "" || object == "" {
		return "", "", &ProtocolError{Code: CodeBadKey, Message: "key must be <shard>/<object>"}
	}
	return shard, object, nil
}

// ReadRequest reads and parses one three-line request.
func ReadRequest(r *bufio.Reader, timeout time.Duration, conn net.Conn) (*Request, error) {
	cmd, err := ReadLine(r, timeout, conn)
	if err != nil {
		return nil, err
	}
	key, err := ReadLine(r, timeout, conn)
	if err != nil {
		return nil, err
	}
	arg, err := ReadLine(r, timeout, conn)
	if err != nil {
		return nil, err
	}
	return Parse(cmd, key, arg)
}

// Parse builds a Request from the three raw lines.
func Parse(cmd, key, arg string) (*Request, error) {
	switch cmd {
	case "auth":
		tok := strings.TrimSpace(arg)
		if tok == "" {
			return nil, &ProtocolError{Code: CodeBadArg, Message: "empty token"}
		}
		return &Request{Cmd: cmd, Token: tok}, nil

	case "put", "get", "del":
		shard, object, err := splitObjectKey(key)
		if err != nil {
			return nil, err
		}
		if _, err := token(shard, "shard"); err != nil {
			return nil, err
		}
		if _, err := token(object, "object"); err != nil {
			return nil, err
		}
		req := &Request{Cmd: cmd, Shard: shard, Object: object}
		if cmd == "put" {
			req.Value = arg
		} else if arg != "" {
			return nil, &ProtocolError{Code: CodeBadArg, Message: cmd + " takes no arg"}
		}
		return req, nil

	case "ack":
		shard, err := token(key, "shard")
		if err != nil {
			return nil, err
		}
		parts := strings.Fields(arg)
		if len(parts) != 3 {
			return nil, &ProtocolError{Code: CodeBadArg, Message: "ack arg must be: <id> <begin> <end>"}
		}
		id, err := parseUint(parts[0], "id")
		if err != nil {
			return nil, err
		}
		return &Request{Cmd: cmd, Shard: shard, ID: id, Begin: parts[1], End: parts[2]}, nil

	case "epoch":
		e, err := parseUint(strings.TrimSpace(arg), "epoch")
		if err != nil {
			return nil, err
		}
		return &Request{Cmd: cmd, Epoch: e}, nil

	case "block", "unblock":
		shard, err := token(key, "shard")
		if err != nil {
			return nil, err
		}
		parts := strings.Fields(arg)
		if len(parts) != 2 {
			return nil, &ProtocolError{Code: CodeBadArg, Message: cmd + " arg must be: <begin> <end>"}
		}
		if parts[0] > parts[1] {
			return nil, &ProtocolError{Code: CodeBadArg, Message: "begin must be <= end"}
		}
		return &Request{Cmd: cmd, Shard: shard, Begin: parts[0], End: parts[1]}, nil

	case "recover":
		shard, err := token(key, "shard")
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(arg) != "" {
			return nil, &ProtocolError{Code: CodeBadArg, Message: "recover takes no arg"}
		}
		return &Request{Cmd: cmd, Shard: shard}, nil

	case "stats":
		return &Request{Cmd: cmd}, nil
	}

	return nil, &ProtocolError{Code: CodeInvalidCmd, Message: fmt.Sprintf("invalid cmd %q", cmd)}
}

// FormatResponse renders an Ack as a single response line.
func FormatResponse(ack *Ack) []byte {
	if ack.Extra != "" {
		return []byte(ack.Status + " " + ack.Extra + "\n")
	}
	return []byte(ack.Status + "\n")
}

// Push line formats. Clients distinguish pushes from responses by the
// "backoff " and "epoch " prefixes.

func FormatBlock(shard string, id uint64, begin, end string) []byte {
	return []byte(fmt.Sprintf("backoff block %s %d %s %s\n", shard, id, begin, end))
}

func FormatUnblock(shard string, id uint64, begin, end string) []byte {
	return []byte(fmt.Sprintf("backoff unblock %s %d %s %s\n", shard, id, begin, end))
}

func FormatEpoch(epoch uint64) []byte {
	return []byte(fmt.Sprintf("epoch %d\n", epoch))
}

// BackoffEvent is a parsed "backoff ..." push line.
type BackoffEvent struct {
	Unblock bool
	Shard   string
	ID      uint64
	Begin   string
	End     string
}

// ParseBackoffEvent parses a
// "backoff block|unblock <shard> <id> <begin> <end>" push line.
func ParseBackoffEvent(line string) (*BackoffEvent, error) {
	parts := strings.Fields(line)
	if len(parts) != 6 || parts[0] != "backoff" {
		return nil, &ProtocolError{Code: CodeBadArg, Message: "malformed backoff push"}
	}
	var unblock bool
	switch parts[1] {
	case "block":
	case "unblock":
		unblock = true
	default:
		return nil, &ProtocolError{Code: CodeBadArg, Message: "malformed backoff push"}
	}
	id, err := parseUint(parts[3], "id")
	if err != nil {
		return nil, err
	}
	return &BackoffEvent{
		Unblock: unblock,
		Shard:   parts[2],
		ID:      id,
		Begin:   parts[4],
		End:     parts[5],
	}, nil
}

// ParseEpochEvent parses an "epoch <n>" push line.
func ParseEpochEvent(line string) (uint64, error) {
	parts := strings.Fields(line)
	if len(parts) != 2 || parts[0] != "epoch" {
		return 0, &ProtocolError{Code: CodeBadArg, Message: "malformed epoch push"}
	}
	return parseUint(parts[1], "epoch")
}
