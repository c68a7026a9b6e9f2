package ffmpeg

import "fmt"

// Scale adds a scale filter. -2 keeps the aspect ratio with an even result.
func Scale(width, height int) Option {
	return Filter(fmt.Sprintf("scale=%d:%d", width, height))
}

// ScaleHeight scales to height, deriving an even width.
func ScaleHeight(height int) Option {
	return Scale(-2, height)
}

// FitHeight scales down to at most height and never upscales. The width is
// kept even for encoders that require it.
func FitHeight(height int) Option {
	return Filter(fmt.Sprintf("scale=-2:'min(%d,ih)'", height))
}
