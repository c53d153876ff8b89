package external

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Request is one batch handed to an external compressor.
type Request struct {
	InputDir  string
	OutputDir string
	Quality   int
	Inputs    []string
}

// Tool is an out-of-process batch compressor. Run blocks until the tool exits and
// may report human-readable status lines on progress. Run must not close progress.
type Tool interface {
	Name() string
	Run(ctx context.Context, req Request, progress chan<- string) error
}

// DefaultArgs drives jpegoptim, writing into the output directory with the original names.
var DefaultArgs = []string{"--max={quality}", "--strip-all", "--dest={output_dir}", "{inputs}"}

// CommandTool runs a binary with templated arguments. Placeholders: {input_dir},
// {output_dir}, {quality}. An argument exactly equal to {inputs} expands to every input path.
type CommandTool struct {
	Binary string
	Args   []string
}

// NewCommandTool returns a CommandTool. Empty binary or args fall back to jpegoptim.
func NewCommandTool(binary string, args []string) *CommandTool {
	if binary == "" {
		binary = "jpegoptim"
	}
	if len(args) == 0 {
		args = DefaultArgs
	}
	return &CommandTool{Binary: binary, Args: args}
}

func (t *CommandTool) Name() string { return t.Binary }

// ExpandArgs substitutes request values into the argument template.
func (t *CommandTool) ExpandArgs(req Request) []string {
	r := strings.NewReplacer(
		"{input_dir}", req.InputDir,
		"{output_dir}", req.OutputDir,
		"{quality}", strconv.Itoa(req.Quality),
	)
	var out []string
	for _, a := range t.Args {
		if a == "{inputs}" {
			out = append(out, req.Inputs...)
			continue
		}
		out = append(out, r.Replace(a))
	}
	return out
}

func (t *CommandTool) Run(ctx context.Context, req Request, progress chan<- string) error {
	cmd := exec.CommandContext(ctx, t.Binary, t.ExpandArgs(req)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.Binary, err)
	}

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case progress <- line:
		case <-ctx.Done():
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s: %w: %s", t.Binary, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
