package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
)

// =============================================================================
// Image Build
// =============================================================================

// buildMessage is one JSON object from the daemon's build output stream.
type buildMessage struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// BuildImage builds an image from a directory-based build context.
// Each line of daemon output is forwarded to opts.OnLog as it arrives.
func (d *DockerClient) BuildImage(ctx context.Context, opts BuildOptions) error {
	if opts.ContextDir == "" {
		return NewDockerError("BuildImage", "image", "", "build context directory is required", ErrContextNotFound)
	}
	info, err := os.Stat(opts.ContextDir)
	if err != nil || !info.IsDir() {
		return NewDockerError("BuildImage", "image", "", "build context directory not found: "+opts.ContextDir, ErrContextNotFound)
	}

	contextTar, err := tarDirectory(opts.ContextDir)
	if err != nil {
		return NewDockerError("BuildImage", "image", "", "failed to create build context: "+err.Error(), err)
	}

	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	buildArgs := make(map[string]*string, len(opts.BuildArgs))
	for k, v := range opts.BuildArgs {
		val := v
		buildArgs[k] = &val
	}

	resp, err := d.cli.ImageBuild(ctx, contextTar, types.ImageBuildOptions{
		Tags:        opts.Tags,
		Dockerfile:  dockerfile,
		BuildArgs:   buildArgs,
		NoCache:     opts.NoCache,
		PullParent:  opts.Pull,
		Labels:      opts.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return NewDockerError("BuildImage", "image", firstTag(opts.Tags), err.Error(), ErrImageBuildFailed)
	}
	defer resp.Body.Close()

	return drainBuildStream(resp.Body, opts.OnLog, firstTag(opts.Tags))
}

// drainBuildStream decodes the daemon's JSON build stream, forwarding output
// lines and surfacing the first build error.
func drainBuildStream(r io.Reader, onLog func(string), tag string) error {
	dec := json.NewDecoder(r)
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return NewDockerError("BuildImage", "image", tag, "malformed build output: "+err.Error(), ErrImageBuildFailed)
		}

		if msg.Error != "" {
			detail := msg.ErrorDetail.Message
			if detail == "" {
				detail = msg.Error
			}
			if onLog != nil {
				onLog(detail)
			}
			return NewDockerError("BuildImage", "image", tag, detail, ErrImageBuildFailed)
		}

		if onLog == nil {
			continue
		}
		for _, raw := range []string{msg.Stream, msg.Status} {
			for _, line := range strings.Split(raw, "\n") {
				line = strings.TrimRight(line, "\r")
				if strings.TrimSpace(line) != "" {
					onLog(line)
				}
			}
		}
	}
}

// tarDirectory packs dir into an in-memory tar archive with slash-separated
// paths relative to dir. Symlinks are skipped.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func firstTag(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return tags[0]
}
