package ard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// quicklookWidth is the thumbnail width; height follows the aspect ratio.
const quicklookWidth = 512

// GenerateQuicklook renders a browse thumbnail for an ARD artifact. When the
// artifact is a directory, the first decodable image inside it is used.
// Returns the written path.
func GenerateQuicklook(artifact, dest string) (string, error) {
	source, err := quicklookSource(artifact)
	if err != nil {
		return "", err
	}

	img, err := imaging.Open(source)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", source, err)
	}

	thumb := imaging.Resize(img, quicklookWidth, 0, imaging.Lanczos)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create quicklook dir: %w", err)
	}
	if err := imaging.Save(thumb, dest); err != nil {
		return "", fmt.Errorf("save quicklook: %w", err)
	}
	return dest, nil
}

func quicklookSource(artifact string) (string, error) {
	info, err := os.Stat(artifact)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return artifact, nil
	}

	entries, err := os.ReadDir(artifact)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".tif", ".tiff", ".png", ".jpg", ".jpeg":
			return filepath.Join(artifact, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no decodable image in %s", artifact)
}
