// Package parser turns command-file text into task/queue definitions,
// per spec §4.I.
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error kinds named in spec §4.I.
var (
	ErrMalformedBlock         = errors.New("parser: malformed block")
	ErrMissingRequiredField   = errors.New("parser: missing required field")
	ErrNonIntegerWhereExpected = errors.New("parser: expected an integer")
)

// ParsedTask is one task definition read from a command file, in the
// order it appeared within its queue.
type ParsedTask struct {
	QueueID  int
	GPUCount int // always 1 in single mode
	MemoryGB float64
	Commands []string
}

// ParseSingle parses command-file text for single-GPU mode, where a
// block's last line is memory_gb (spec §4.I).
func ParseSingle(data []byte) ([]ParsedTask, error) {
	blocks, err := splitBlocks(data)
	if err != nil {
		return nil, err
	}
	tasks := make([]ParsedTask, 0, len(blocks))
	for i, block := range blocks {
		task, err := parseBlock(block, false)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ParseMulti parses command-file text for multi-GPU mode, where a
// block's second-to-last line is gpu_count and its last line is
// memory_gb (spec §4.I).
func ParseMulti(data []byte) ([]ParsedTask, error) {
	blocks, err := splitBlocks(data)
	if err != nil {
		return nil, err
	}
	tasks := make([]ParsedTask, 0, len(blocks))
	for i, block := range blocks {
		task, err := parseBlock(block, true)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// splitBlocks groups the file's lines into blocks separated by one or
// more blank lines, dropping comment lines and leading/trailing
// whitespace-only lines, per spec §4.I.
func splitBlocks(data []byte) ([][]string, error) {
	var blocks [][]string
	var current []string

	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		current = append(current, trimmed)
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlock, err)
	}
	return blocks, nil
}

func parseBlock(lines []string, multi bool) (ParsedTask, error) {
	var minLines int
	if multi {
		minLines = 4 // queue id, >=1 command, gpu_count, memory_gb
	} else {
		minLines = 3 // queue id, >=1 command, memory_gb
	}
	if len(lines) < minLines {
		return ParsedTask{}, fmt.Errorf("%w: expected at least %d lines, got %d", ErrMalformedBlock, minLines, len(lines))
	}

	queueID, err := parseLeadingInt(lines[0])
	if err != nil {
		return ParsedTask{}, fmt.Errorf("queue id: %w", err)
	}

	task := ParsedTask{QueueID: queueID}

	if multi {
		memLine := lines[len(lines)-1]
		gpuLine := lines[len(lines)-2]
		commandLines := lines[1 : len(lines)-2]

		gpuCount, err := parseLeadingInt(gpuLine)
		if err != nil {
			return ParsedTask{}, fmt.Errorf("gpu_count: %w", err)
		}
		if gpuCount < 1 {
			return ParsedTask{}, fmt.Errorf("%w: gpu_count must be >= 1", ErrMissingRequiredField)
		}
		task.GPUCount = gpuCount

		memGB, err := parseLeadingFloat(memLine)
		if err != nil {
			return ParsedTask{}, fmt.Errorf("memory_gb: %w", err)
		}
		task.MemoryGB = memGB

		if len(commandLines) == 0 {
			return ParsedTask{}, fmt.Errorf("%w: no commands in block", ErrMissingRequiredField)
		}
		task.Commands = commandLines
		return task, nil
	}

	memLine := lines[len(lines)-1]
	commandLines := lines[1 : len(lines)-1]

	memGB, err := parseLeadingFloat(memLine)
	if err != nil {
		return ParsedTask{}, fmt.Errorf("memory_gb: %w", err)
	}
	task.MemoryGB = memGB
	task.GPUCount = 1

	if len(commandLines) == 0 {
		return ParsedTask{}, fmt.Errorf("%w: no commands in block", ErrMissingRequiredField)
	}
	task.Commands = commandLines
	return task, nil
}

// parseLeadingInt reads the leading numeric token of a line, ignoring a
// trailing "#comment" (spec §4.I: "Integers accept a trailing #comment;
// only the leading numeric token is read").
func parseLeadingInt(line string) (int, error) {
	token := leadingToken(line)
	n, err := strconv.Atoi(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNonIntegerWhereExpected, token)
	}
	return n, nil
}

func parseLeadingFloat(line string) (float64, error) {
	token := leadingToken(line)
	f, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNonIntegerWhereExpected, token)
	}
	return f, nil
}

func leadingToken(line string) string {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}
