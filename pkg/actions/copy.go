package actions

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/openfroyo/provision/pkg/engine"
)

// Copy writes a file from literal content or from a controller-side source
// file. Exactly one of Src and Content must be set. Checksum is computed at
// validation time and is what the destination is compared against.
type Copy struct {
	Base
	FileAttrs

	Dest     string  `json:"dest"`
	Src      string  `json:"src,omitempty"`
	Content  *string `json:"content,omitempty"`
	Checksum string  `json:"checksum,omitempty"`
}

// NewContentCopy returns a validated Copy writing content to dest.
func NewContentCopy(dest, content string) (*Copy, error) {
	c := &Copy{Dest: dest, Content: &content}
	if err := Prepare(c); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFileCopy returns a validated Copy of the controller file src to dest.
func NewFileCopy(src, dest string) (*Copy, error) {
	c := &Copy{Dest: dest, Src: src}
	if err := Prepare(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Copy) Validate() error {
	if c.Dest == "" {
		return engine.Configf("copy: dest is required")
	}
	if c.Src != "" && c.Content != nil {
		return engine.Configf("copy: src and content are mutually exclusive")
	}
	if c.Src == "" && c.Content == nil {
		return engine.Configf("copy: one of src or content is required")
	}
	if c.Checksum != "" {
		return nil
	}
	if c.Content != nil {
		c.Checksum = ChecksumBytes([]byte(*c.Content))
		return nil
	}
	f, err := os.Open(c.Src)
	if err != nil {
		return engine.NewConfigurationError("copy: cannot read src", err).WithAction(c.Summary())
	}
	defer f.Close()
	sum, err := Checksum(f)
	if err != nil {
		return engine.NewConfigurationError("copy: cannot checksum src", err).WithAction(c.Summary())
	}
	c.Checksum = sum
	return nil
}

func (c *Copy) Summary() string {
	if c.Src != "" {
		return fmt.Sprintf("copy %s to %s", c.Src, c.Dest)
	}
	return fmt.Sprintf("copy content to %s", c.Dest)
}

func (c *Copy) NeededLocalFiles() []string {
	if c.Src == "" {
		return nil
	}
	return []string{c.Src}
}

func (c *Copy) Run(ctx context.Context, t Target) error {
	dest := t.Path(c.Dest)

	current, err := ChecksumFile(dest)
	if err != nil {
		return engine.NewExecutionError("copy: cannot read destination", err).
			WithCode(engine.ErrCodeFilesystem).
			WithAction(c.Summary())
	}

	if current != c.Checksum {
		mode := c.modeFor(dest, 0o644)
		if c.Content != nil {
			err = WriteFileAtomically(dest, mode, func(f *os.File) error {
				_, err := io.WriteString(f, *c.Content)
				return err
			})
		} else {
			err = WriteFileAtomically(dest, mode, func(f *os.File) error {
				return c.receive(ctx, t, f)
			})
		}
		if err != nil {
			return err
		}
		c.SetChanged()
	}

	attrsChanged, err := c.apply(dest)
	if err != nil {
		return err
	}
	if attrsChanged {
		c.SetChanged()
	}
	return nil
}

// receive pulls Src into f and verifies the written bytes.
func (c *Copy) receive(ctx context.Context, t Target, f *os.File) error {
	if err := t.TransferFile(ctx, c.Src, f); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	sum, err := Checksum(f)
	if err != nil {
		return err
	}
	if sum != c.Checksum {
		return engine.NewExecutionError(
			fmt.Sprintf("checksum mismatch after transfer: got %s, want %s", sum, c.Checksum), nil).
			WithCode(engine.ErrCodeChecksumMismatch).
			WithAction(c.Summary())
	}
	return nil
}
