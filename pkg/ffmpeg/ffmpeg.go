// Package ffmpeg builds and runs ffmpeg and ffprobe invocations for still
// extraction, preview transcodes and metadata probing.
package ffmpeg

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Command is an ffmpeg invocation being assembled.
type Command struct {
	input     string
	output    string
	preInput  []string // before -i, e.g. input seeking
	postInput []string
	filters   []string // joined into -vf
}

// Option modifies a Command. Options may be given in any order; Build places
// their args where ffmpeg expects them.
type Option interface {
	Apply(cmd *Command)
}

// OptionFunc adapts a function to Option.
type OptionFunc func(cmd *Command)

// Apply implements Option.
func (f OptionFunc) Apply(cmd *Command) { f(cmd) }

// NewCommand returns a command reading input and writing output.
func NewCommand(input, output string, opts ...Option) *Command {
	cmd := &Command{input: input, output: output}
	for _, opt := range opts {
		opt.Apply(cmd)
	}
	return cmd
}

// Build returns the ffmpeg argument list.
func (c *Command) Build() []string {
	args := []string{"-hide_banner", "-y"}
	args = append(args, c.preInput...)
	args = append(args, "-i", c.input)
	args = append(args, c.postInput...)
	if len(c.filters) > 0 {
		args = append(args, "-vf", strings.Join(c.filters, ","))
	}
	switch strings.ToLower(filepath.Ext(c.output)) {
	case ".mp4", ".m4v", ".mov":
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, c.output)
}

// Run executes the command and waits for it.
func (c *Command) Run(ctx context.Context) error {
	return run(ctx, c.Build())
}

// Run builds and executes a command.
func Run(ctx context.Context, input, output string, opts ...Option) error {
	return NewCommand(input, output, opts...).Run(ctx)
}

// Seek sets the input position (-ss before -i).
func Seek(at time.Duration) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.preInput = append(cmd.preInput, "-ss", formatDuration(at))
	})
}

// Duration limits the output length.
func Duration(d time.Duration) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-t", formatDuration(d))
	})
}

// VideoCodec sets -c:v.
func VideoCodec(codec string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-c:v", codec)
	})
}

// CRF sets the constant rate factor.
func CRF(value int) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-crf", strconv.Itoa(value))
	})
}

// Preset sets the encoder preset.
func Preset(name string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-preset", name)
	})
}

// PixelFormat sets -pix_fmt.
func PixelFormat(pf string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-pix_fmt", pf)
	})
}

// AudioCodec sets -c:a.
func AudioCodec(codec string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-c:a", codec)
	})
}

// AudioBitrate sets -b:a.
func AudioBitrate(bitrate string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-b:a", bitrate)
	})
}

// NoAudio drops audio streams.
var NoAudio Option = OptionFunc(func(cmd *Command) {
	cmd.postInput = append(cmd.postInput, "-an")
})

// Filter appends a video filter to the -vf chain.
func Filter(f string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.filters = append(cmd.filters, f)
	})
}

// Frames limits the number of video frames written.
func Frames(n int) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-frames:v", strconv.Itoa(n))
	})
}

// Quality sets -q:v. For webp this is 0-100, higher is better; for jpeg
// 2-31, lower is better.
func Quality(q int) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-q:v", strconv.Itoa(q))
	})
}

// LogLevel sets -loglevel ahead of every other argument.
func LogLevel(level string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.preInput = append([]string{"-loglevel", level}, cmd.preInput...)
	})
}

// ExtraArgs appends raw output arguments.
func ExtraArgs(args ...string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, args...)
	})
}

func formatDuration(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
