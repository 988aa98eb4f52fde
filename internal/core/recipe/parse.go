package recipe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// Dockerfile Parsing
// =============================================================================

// Parse reads Dockerfile text back into a Recipe. It understands the shape
// Render produces plus the common hand-written variants: comments, line
// continuations, shell-form CMD, and repeated ENV lines. Instructions the
// recipe model cannot represent (multi-stage FROM, ADD, USER, ARG and so on)
// are rejected with ErrUnsupportedInstruction.
func Parse(dockerfile string) (Recipe, error) {
	r := Recipe{
		AppDir:  ".",
		WorkDir: "/",
		Env:     nil,
	}
	sawFrom := false
	var copies []string

	for _, line := range logicalLines(dockerfile) {
		instr, args := splitInstruction(line)
		switch instr {
		case "FROM":
			if sawFrom {
				return Recipe{}, NewRecipeError("FROM", "multi-stage builds are not supported", ErrUnsupportedInstruction)
			}
			if strings.Contains(strings.ToUpper(args), " AS ") {
				return Recipe{}, NewRecipeError("FROM", "build stages are not supported", ErrUnsupportedInstruction)
			}
			r.BaseImage = args
			sawFrom = true

		case "RUN":
			if pkgs, ok := parseAptInstall(args); ok {
				r.SystemPackages = append(r.SystemPackages, pkgs...)
			} else if req, ok := parsePipInstall(args); ok {
				r.RequirementsFile = req
			} else {
				return Recipe{}, NewRecipeError("RUN", fmt.Sprintf("unrecognized build command %q", args), ErrUnsupportedInstruction)
			}

		case "WORKDIR":
			r.WorkDir = args

		case "COPY":
			fields := strings.Fields(args)
			if len(fields) != 2 {
				return Recipe{}, NewRecipeError("COPY", "expected source and destination", ErrMalformedDockerfile)
			}
			copies = append(copies, fields[0])

		case "ENV":
			k, v, ok := strings.Cut(args, "=")
			if !ok {
				// Legacy space-separated form
				k, v, ok = strings.Cut(args, " ")
				if !ok {
					return Recipe{}, NewRecipeError("ENV", "expected key and value", ErrMalformedDockerfile)
				}
			}
			if r.Env == nil {
				r.Env = make(map[string]string)
			}
			r.Env[strings.TrimSpace(k)] = strings.TrimSpace(v)

		case "EXPOSE":
			port := strings.TrimSuffix(args, "/tcp")
			n, err := strconv.Atoi(port)
			if err != nil {
				return Recipe{}, NewRecipeError("EXPOSE", fmt.Sprintf("invalid port %q", args), ErrMalformedDockerfile)
			}
			r.Port = n

		case "CMD":
			cmd, err := parseCommand(args)
			if err != nil {
				return Recipe{}, err
			}
			r.Command = cmd

		default:
			return Recipe{}, NewRecipeError(instr, "instruction is not supported", ErrUnsupportedInstruction)
		}
	}

	if !sawFrom {
		return Recipe{}, NewRecipeError("FROM", "dockerfile has no FROM instruction", ErrMalformedDockerfile)
	}

	// The last COPY is the app dir; an earlier one matching the
	// requirements file is the cached dependency copy.
	for _, src := range copies {
		if src != r.RequirementsFile {
			r.AppDir = src
		}
	}

	if err := r.Validate(); err != nil {
		return Recipe{}, err
	}
	return r, nil
}

// logicalLines splits Dockerfile text into instruction lines, joining
// backslash continuations and dropping comments and blanks.
func logicalLines(text string) []string {
	var lines []string
	var current strings.Builder

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasSuffix(line, "\\") {
			current.WriteString(strings.TrimSuffix(line, "\\"))
			current.WriteString(" ")
			continue
		}
		current.WriteString(line)
		lines = append(lines, current.String())
		current.Reset()
	}
	if current.Len() > 0 {
		lines = append(lines, current.String())
	}
	return lines
}

// splitInstruction splits a logical line into instruction and arguments.
func splitInstruction(line string) (string, string) {
	instr, args, _ := strings.Cut(line, " ")
	return strings.ToUpper(instr), strings.TrimSpace(args)
}

// parseAptInstall extracts package names from an apt-get install command.
func parseAptInstall(args string) ([]string, bool) {
	if !strings.Contains(args, "apt-get") || !strings.Contains(args, "install") {
		return nil, false
	}
	// Only the install segment carries package names.
	var pkgs []string
	for _, segment := range strings.Split(args, "&&") {
		fields := strings.Fields(segment)
		inInstall := false
		for _, f := range fields {
			switch {
			case f == "install":
				inInstall = true
			case inInstall && strings.HasPrefix(f, "-"):
				// skip flags like -y, --no-install-recommends
			case inInstall:
				pkgs = append(pkgs, f)
			}
		}
	}
	return pkgs, true
}

// parsePipInstall extracts the requirements file from a pip install command.
func parsePipInstall(args string) (string, bool) {
	if !strings.Contains(args, "pip") || !strings.Contains(args, "install") {
		return "", false
	}
	fields := strings.Fields(args)
	for i, f := range fields {
		if f == "-r" && i+1 < len(fields) {
			return fields[i+1], true
		}
	}
	return "", false
}

// parseCommand parses an exec-form or shell-form CMD.
func parseCommand(args string) ([]string, error) {
	if strings.HasPrefix(args, "[") {
		var cmd []string
		if err := json.Unmarshal([]byte(args), &cmd); err != nil {
			return nil, NewRecipeError("CMD", "invalid exec form", ErrMalformedDockerfile)
		}
		return cmd, nil
	}
	cmd := strings.Fields(args)
	if len(cmd) == 0 {
		return nil, NewRecipeError("CMD", "command is empty", ErrMalformedDockerfile)
	}
	return cmd, nil
}
