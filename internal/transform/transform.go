// Package transform holds the file transformations behind the job
// handlers. Subpackages implement one concern each.
package transform

import "github.com/cuongbtq/pixelhive/internal/job"

// Mark describes a watermark overlay. Exactly one of Text and LogoPath is set.
type Mark struct {
	Text     string
	LogoPath string
	Position job.Position
	Opacity  float64
	FontSize int
}

// IsText reports whether m is a text overlay
func (m Mark) IsText() bool {
	return m.LogoPath == ""
}
