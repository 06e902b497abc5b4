package volsynth

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gekko3d/volsynth/volrt/rt/volume"
)

// WriteAtlasPNG flattens the displayed volume into its grid atlas and writes
// it as a PNG upscaled by scale.
func (p *Pipeline) WriteAtlasPNG(w io.Writer, scale int) error {
	atlas, layout, err := p.Atlas()
	if err != nil {
		return err
	}
	texels, err := p.rm.ReadSlice(atlas, 0)
	if err != nil {
		return err
	}
	fw, fh := layout.FlatSize()
	return volume.EncodePNG(w, texels, fw, fh, scale)
}

// DumpAtlas writes the atlas to path, creating its directory.
func (p *Pipeline) DumpAtlas(path string, scale int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("volsynth: dump: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("volsynth: dump: %w", err)
	}
	if err := p.WriteAtlasPNG(f, scale); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("volsynth: dump: %w", err)
	}
	p.log.Infof("pipeline: wrote %s", path)
	return nil
}
