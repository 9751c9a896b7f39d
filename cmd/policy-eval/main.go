// Command policy-eval decides a single request against a policy file, or
// advances a history, without any server or store. Inputs are passed as
// JSON arguments; exactly one result line is written to stdout.
//
//	policy-eval evaluate -policy policies/me-only.yaml '<request>' '<history>'
//	policy-eval advance '<request>' '<history>'
//	policy-eval check -policy policies/me-only.yaml
//
// An argument of the form @path is read from the file at path, and - reads
// standard input.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	hist "github.com/earlence-security/stateful-auth/internal/history"
	"github.com/earlence-security/stateful-auth/internal/observability"
	"github.com/earlence-security/stateful-auth/internal/policy"
	"github.com/earlence-security/stateful-auth/models"
	"go.uber.org/zap"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitInput   = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *zap.Logger
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr, logger: zap.NewNop()}
	if len(args) == 0 {
		c.usage()
		return exitInput
	}

	switch args[0] {
	case "evaluate":
		return c.evaluate(args[1:])
	case "advance":
		return c.advance(args[1:])
	case "check":
		return c.check(args[1:])
	case "-h", "-help", "--help", "help":
		c.usage()
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		c.usage()
		return exitInput
	}
}

func (c *cli) usage() {
	fmt.Fprintln(c.stderr, `usage:
  policy-eval evaluate -policy FILE <request-json> <history-json>
  policy-eval advance <request-json> <history-json>
  policy-eval check -policy FILE`)
}

func (c *cli) flags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	policyFile := fs.String("policy", "", "policy document (.json, .yaml)")
	level := fs.String("log-level", envOr("LOG_LEVEL", "warn"), "stderr log level")
	return fs, policyFile, level
}

func (c *cli) initLogger(level string) error {
	logger, err := observability.NewLogger(level, "console")
	if err != nil {
		return err
	}
	c.logger = logger
	return nil
}

// evaluate prints the decision. Anything that prevents a decision prints
// Deny and exits with exitInput.
func (c *cli) evaluate(args []string) int {
	deny := func(msg string, err error) int {
		c.logger.Warn(msg, zap.Error(err))
		fmt.Fprintln(c.stdout, models.DecisionDeny)
		return exitInput
	}

	fs, policyFile, level := c.flags("evaluate")
	if err := fs.Parse(args); err != nil {
		return deny("invalid arguments", err)
	}
	if err := c.initLogger(*level); err != nil {
		return deny("invalid log level", err)
	}
	defer func() { _ = c.logger.Sync() }()

	if *policyFile == "" {
		return deny("invalid arguments", errors.New("-policy is required"))
	}
	p, err := policy.LoadFile(*policyFile)
	if err != nil {
		return deny("policy failed to load", err)
	}

	req, hm, err := c.decodeCall(fs.Args())
	if err != nil {
		return deny("malformed input", err)
	}

	verdict := p.Explain(req, hm)
	c.logger.Debug("policy evaluated",
		zap.String("policy", p.Name()),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.String("decision", verdict.Decision.String()),
		zap.String("reason", verdict.Reason()))
	if verdict.FailedClosed() {
		c.logger.Info("request denied on malformed input", zap.Error(verdict.Err))
	}

	fmt.Fprintln(c.stdout, verdict.Decision)
	return exitOK
}

// advance prints the history that results from the request succeeding
func (c *cli) advance(args []string) int {
	fs, _, level := c.flags("advance")
	if err := fs.Parse(args); err != nil {
		return exitInput
	}
	if err := c.initLogger(*level); err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitInput
	}
	defer func() { _ = c.logger.Sync() }()

	req, hm, err := c.decodeCall(fs.Args())
	if err != nil {
		c.logger.Error("malformed input", zap.Error(err))
		return exitInput
	}

	out, err := hist.Advance(req, hm).Encode()
	if err != nil {
		c.logger.Error("failed to encode history", zap.Error(err))
		return exitFailure
	}
	fmt.Fprintln(c.stdout, string(out))
	return exitOK
}

// check compiles a policy document
func (c *cli) check(args []string) int {
	fs, policyFile, _ := c.flags("check")
	if err := fs.Parse(args); err != nil {
		return exitInput
	}
	if *policyFile == "" {
		fmt.Fprintln(c.stderr, "-policy is required")
		return exitInput
	}

	p, err := policy.LoadFile(*policyFile)
	if err != nil {
		fmt.Fprintln(c.stdout, err)
		return exitFailure
	}
	fmt.Fprintf(c.stdout, "ok %s %s\n", p.Name(), p.Version())
	return exitOK
}

func (c *cli) decodeCall(args []string) (*models.Request, models.HistoryMap, error) {
	if len(args) != 2 {
		return nil, nil, fmt.Errorf("expected <request-json> <history-json>, got %d arguments", len(args))
	}
	rawReq, err := c.argument(args[0])
	if err != nil {
		return nil, nil, err
	}
	rawHist, err := c.argument(args[1])
	if err != nil {
		return nil, nil, err
	}

	req, err := models.DecodeRequest(rawReq)
	if err != nil {
		return nil, nil, err
	}
	hm, err := models.DecodeHistory(rawHist)
	if err != nil {
		return nil, nil, err
	}
	return req, hm, nil
}

// argument resolves - and @path arguments to their contents
func (c *cli) argument(arg string) ([]byte, error) {
	switch {
	case arg == "-":
		data, err := io.ReadAll(c.stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", arg[1:], err)
		}
		return data, nil
	default:
		return []byte(arg), nil
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
