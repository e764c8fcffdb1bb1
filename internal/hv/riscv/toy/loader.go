package toy

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
)

const (
	// FirmwareDefault selects the bundled OpenSBI fw_dynamic image.
	FirmwareDefault = "default"
	// FirmwareNone boots without firmware; the kernel starts at the DRAM base.
	FirmwareNone = "none"

	firmware32 = "opensbi-riscv32-generic-fw_dynamic.bin"
	firmware64 = "opensbi-riscv64-generic-fw_dynamic.bin"

	symBeginSignature = "begin_signature"
	symEndSignature   = "end_signature"
)

// GuestMemory is the host-side view of guest memory used by loaders.
type GuestMemory interface {
	LoadBytes(addr uint64, data []byte) error
}

// LoadedImage describes an image placed in guest memory.
type LoadedImage struct {
	Entry uint64
	// End is the first address past the highest byte loaded.
	End uint64

	// SignatureBegin and SignatureEnd are the begin_signature and
	// end_signature symbols, or zero when the image has none.
	SignatureBegin uint64
	SignatureEnd   uint64
}

// HasSignature reports whether the image defines a non-empty signature region.
func (img LoadedImage) HasSignature() bool {
	return img.SignatureEnd > img.SignatureBegin
}

// ImageLoader places firmware, kernel and initrd images in guest memory.
type ImageLoader interface {
	// LoadFirmware loads an ELF or a raw image. Raw images go to base.
	LoadFirmware(mem GuestMemory, path string, base uint64) (LoadedImage, error)
	// LoadKernel loads an ELF or a raw image. Raw images go to start.
	LoadKernel(mem GuestMemory, path string, start uint64, is32 bool) (LoadedImage, error)
	// LoadInitrd copies the file to start and returns its size, which must
	// not exceed max.
	LoadInitrd(mem GuestMemory, path string, start, max uint64) (uint64, error)
}

// FileImageLoader loads images from the host filesystem.
type FileImageLoader struct {
	// Progress shows a byte progress bar while reading each file.
	Progress bool
}

// FindFirmware resolves the firmware setting to a file. ok is false for
// FirmwareNone. Relative names are searched in dirs.
func FindFirmware(firmware string, dirs []string, is32 bool) (path string, ok bool, err error) {
	switch firmware {
	case FirmwareNone:
		return "", false, nil
	case "", FirmwareDefault:
		firmware = firmware64
		if is32 {
			firmware = firmware32
		}
	}
	if filepath.IsAbs(firmware) {
		if _, err := os.Stat(firmware); err != nil {
			return "", false, fmt.Errorf("firmware %s: %w", firmware, err)
		}
		return firmware, true, nil
	}
	if _, err := os.Stat(firmware); err == nil {
		return firmware, true, nil
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, firmware)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		}
	}
	return "", false, fmt.Errorf("unable to find firmware %q in %v", firmware, dirs)
}

func (l *FileImageLoader) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	var buf bytes.Buffer
	buf.Grow(int(info.Size()))
	var writer io.Writer = &buf
	if l.Progress {
		bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("load %s", filepath.Base(path)))
		defer bar.Close()
		writer = io.MultiWriter(&buf, bar)
	}
	if _, err := io.Copy(writer, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

func isELF(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], []byte(elf.ELFMAG))
}

// LoadFirmware implements ImageLoader
func (l *FileImageLoader) LoadFirmware(mem GuestMemory, path string, base uint64) (LoadedImage, error) {
	data, err := l.readFile(path)
	if err != nil {
		return LoadedImage{}, fmt.Errorf("load firmware: %w", err)
	}
	if isELF(data) {
		img, err := loadELF(mem, data, false)
		if err != nil {
			return LoadedImage{}, fmt.Errorf("load firmware %s: %w", path, err)
		}
		slog.Debug("toy: loaded elf firmware", "path", path, "end", fmt.Sprintf("%#x", img.End))
		return img, nil
	}
	if err := mem.LoadBytes(base, data); err != nil {
		return LoadedImage{}, fmt.Errorf("load firmware %s: %w", path, err)
	}
	slog.Debug("toy: loaded raw firmware", "path", path, "base", fmt.Sprintf("%#x", base), "size", len(data))
	return LoadedImage{Entry: base, End: base + uint64(len(data))}, nil
}

// LoadKernel implements ImageLoader
func (l *FileImageLoader) LoadKernel(mem GuestMemory, path string, start uint64, is32 bool) (LoadedImage, error) {
	data, err := l.readFile(path)
	if err != nil {
		return LoadedImage{}, fmt.Errorf("load kernel: %w", err)
	}
	if isELF(data) {
		img, err := loadELF(mem, data, is32)
		if err != nil {
			return LoadedImage{}, fmt.Errorf("load kernel %s: %w", path, err)
		}
		return img, nil
	}
	if err := mem.LoadBytes(start, data); err != nil {
		return LoadedImage{}, fmt.Errorf("load kernel %s: %w", path, err)
	}
	return LoadedImage{Entry: start, End: start + uint64(len(data))}, nil
}

// LoadInitrd implements ImageLoader
func (l *FileImageLoader) LoadInitrd(mem GuestMemory, path string, start, max uint64) (uint64, error) {
	data, err := l.readFile(path)
	if err != nil {
		return 0, fmt.Errorf("load initrd: %w", err)
	}
	size := uint64(len(data))
	if size > max {
		return 0, fmt.Errorf("initrd %s is %d bytes, only %d fit at %#x", path, size, max, start)
	}
	if err := mem.LoadBytes(start, data); err != nil {
		return 0, fmt.Errorf("load initrd %s: %w", path, err)
	}
	return size, nil
}

// loadELF copies the PT_LOAD segments of a RISC-V ELF to their physical
// addresses and zero-fills the rest of each segment.
func loadELF(mem GuestMemory, data []byte, is32 bool) (LoadedImage, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return LoadedImage{}, fmt.Errorf("open elf: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return LoadedImage{}, fmt.Errorf("unsupported ELF machine %s (want RISC-V)", f.Machine)
	}

	var img LoadedImage
	loaded := 0
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return LoadedImage{}, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Memsz > uint64(math.MaxInt) {
			return LoadedImage{}, fmt.Errorf("ELF segment mem size %#x exceeds host limits", prog.Memsz)
		}
		seg := make([]byte, int(prog.Memsz))
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(seg[:prog.Filesz], 0); err != nil {
				return LoadedImage{}, fmt.Errorf("read ELF segment @%#x: %w", prog.Off, err)
			}
		}
		if err := mem.LoadBytes(prog.Paddr, seg); err != nil {
			return LoadedImage{}, fmt.Errorf("place ELF segment @%#x: %w", prog.Paddr, err)
		}
		if end := prog.Paddr + prog.Memsz; end > img.End {
			img.End = end
		}
		loaded++
	}
	if loaded == 0 {
		return LoadedImage{}, errors.New("ELF image has no loadable segments")
	}

	img.Entry = f.Entry
	if is32 {
		img.Entry = uint64(uint32(img.Entry))
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return LoadedImage{}, fmt.Errorf("read ELF symbols: %w", err)
	}
	for _, sym := range syms {
		switch sym.Name {
		case symBeginSignature:
			img.SignatureBegin = sym.Value
		case symEndSignature:
			img.SignatureEnd = sym.Value
		}
	}
	return img, nil
}

var _ ImageLoader = (*FileImageLoader)(nil)
