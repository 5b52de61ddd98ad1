package fractaltree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/fractaltree/internal/header"
	"github.com/calvinalkan/fractaltree/pkg/fs"
)

// TuningOptions are the per-tree sizing knobs stamped into the header
// at Create time (spec.md §4.D, §9 Open Question #1).
type TuningOptions struct {
	NodeSize     uint32
	BasementSize uint32
	FanoutTarget uint32
	Compression  header.CompressionMethod
}

// DefaultTuningOptions returns the engine's built-in defaults.
func DefaultTuningOptions() TuningOptions {
	return TuningOptions{
		NodeSize:     header.DefaultNodeSize,
		BasementSize: header.DefaultBasementSize,
		FanoutTarget: 16,
		Compression:  header.CompressionZstd,
	}
}

// tuningFile is the on-disk JSONC shape for a tuning config sitting
// next to the database file, read the same way the teacher's own
// config.go reads .tk.json: hujson.Standardize first so comments and
// trailing commas are tolerated, then a normal json.Unmarshal.
type tuningFile struct {
	NodeSize     *uint32 `json:"node_size,omitempty"`     //nolint:tagliatelle // snake_case for config file
	BasementSize *uint32 `json:"basement_size,omitempty"` //nolint:tagliatelle
	FanoutTarget *uint32 `json:"fanout_target,omitempty"` //nolint:tagliatelle
	Compression  *string `json:"compression,omitempty"`
}

// LoadTuningOptions reads a JSONC tuning file at path, overlaying its
// fields on top of DefaultTuningOptions. A missing file is not an
// error: it returns the defaults unchanged.
func LoadTuningOptions(fsys fs.FS, path string) (TuningOptions, error) {
	opts := DefaultTuningOptions()

	data, err := fsys.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}

		return TuningOptions{}, fmt.Errorf("fractaltree: read tuning file %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return TuningOptions{}, fmt.Errorf("fractaltree: invalid JSONC in %s: %w", path, err)
	}

	var tf tuningFile
	if err := json.Unmarshal(standardized, &tf); err != nil {
		return TuningOptions{}, fmt.Errorf("fractaltree: invalid JSON in %s: %w", path, err)
	}

	if tf.NodeSize != nil {
		opts.NodeSize = *tf.NodeSize
	}

	if tf.BasementSize != nil {
		opts.BasementSize = *tf.BasementSize
	}

	if tf.FanoutTarget != nil {
		opts.FanoutTarget = *tf.FanoutTarget
	}

	if tf.Compression != nil {
		method, err := parseCompression(*tf.Compression)
		if err != nil {
			return TuningOptions{}, fmt.Errorf("fractaltree: %s: %w", path, err)
		}

		opts.Compression = method
	}

	return opts, nil
}

func parseCompression(s string) (header.CompressionMethod, error) {
	switch s {
	case "none":
		return header.CompressionNone, nil
	case "zstd":
		return header.CompressionZstd, nil
	case "snappy":
		return header.CompressionSnappy, nil
	default:
		return 0, fmt.Errorf("unknown compression method %q", s)
	}
}

// SaveTuningOptions writes opts as plain (non-JSONC) JSON to path,
// atomically: a crash mid-write leaves either the old file or nothing,
// never a truncated one, the same guarantee the teacher's lock/ticket
// persistence leans on natefinch/atomic for.
func SaveTuningOptions(path string, opts TuningOptions) error {
	compression := "none"

	switch opts.Compression {
	case header.CompressionZstd:
		compression = "zstd"
	case header.CompressionSnappy:
		compression = "snappy"
	}

	tf := tuningFile{
		NodeSize:     &opts.NodeSize,
		BasementSize: &opts.BasementSize,
		FanoutTarget: &opts.FanoutTarget,
		Compression:  &compression,
	}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("fractaltree: marshal tuning options: %w", err)
	}

	data = append(data, '\n')

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("fractaltree: save tuning file %s: %w", path, err)
	}

	return nil
}
