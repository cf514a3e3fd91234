// Package flag is the command line of the hypervisor.
package flag

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/polished-os/polished/firmware"
	"github.com/polished-os/polished/framebuffer"
	"github.com/polished-os/polished/loader"
	"github.com/polished-os/polished/machine"
	"github.com/polished-os/polished/probe"
	"github.com/polished-os/polished/vmm"
)

var errNoEntryCode = errors.New("entry point is not backed by file data")

type CLI struct {
	Boot    BootCMD    `cmd:"" help:"Boot a kernel from a boot volume directory."`
	Inspect InspectCMD `cmd:"" help:"Print the load plan of a kernel image and disassemble its entry."`
	Probe   ProbeCMD   `cmd:"" help:"List the capabilities of the kvm device."`
}

type BootCMD struct {
	Dev        string        `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	ESP        string        `short:"e" default:"./esp" help:"directory served as the boot volume"`
	Kernel     string        `short:"k" default:"${kernel}" help:"kernel path on the boot volume"`
	MemSize    string        `name:"memory" short:"m" default:"512M" help:"memory size: as number[gGmM], optional units, defaults to M"`
	Resolution string        `short:"r" default:"1024x768" help:"framebuffer resolution as WIDTHxHEIGHT"`
	Stride     uint64        `default:"0" help:"pixels per scan line, 0 for the width"`
	Format     string        `short:"f" default:"bgr" enum:"rgb,bgr,bitmask,bltonly" help:"pixel format"`
	Screenshot string        `short:"s" help:"write the framebuffer as PNG after the machine stops"`
	Timer      time.Duration `short:"t" default:"10ms" help:"timer interrupt period, 0 disables the timer"`
	Verbose    bool          `short:"v" help:"trace exits, traps and POST codes"`
	Quiet      bool          `short:"q" help:"start with the kernel log off, Ctrl-A l toggles it"`
}

type InspectCMD struct {
	File  string `arg:"" type:"existingfile" help:"ELF image"`
	Count int    `short:"n" default:"8" help:"instructions to disassemble at the entry point"`
}

type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
}

// DefaultKernel is the kernel path on the boot volume.
const DefaultKernel = `\EFI\BOOT\kernel`

const (
	programName = "polished"
	programDesc = "polished boots an ELF kernel under KVM through a UEFI style loader"
)

// New returns the parser for c.
func New(c *CLI, opts ...kong.Option) (*kong.Kong, error) {
	return kong.New(c, append([]kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		kong.Vars{"kernel": DefaultKernel},
		kong.BindTo(io.Writer(os.Stdout), (*io.Writer)(nil)),
	}, opts...)...)
}

func Parse() error {
	c := CLI{}

	parser, err := New(&c)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	return ctx.Run()
}

func (d *ProbeCMD) Run(out io.Writer) error {
	return probe.Capabilities(d.Dev, out)
}

// Config converts the flags into a vmm.Config.
func (s *BootCMD) Config() (*vmm.Config, error) {
	memSize, err := ParseSize(s.MemSize, "m")
	if err != nil {
		return nil, err
	}

	width, height, err := ParseResolution(s.Resolution)
	if err != nil {
		return nil, err
	}

	format, err := framebuffer.ParseFormat(s.Format)
	if err != nil {
		return nil, err
	}

	return &vmm.Config{
		Dev:     s.Dev,
		ESP:     s.ESP,
		Kernel:  s.Kernel,
		MemSize: memSize,
		Mode: firmware.Mode{
			Width:  width,
			Height: height,
			Stride: s.Stride,
			Format: format,
		},
		Timer:      s.Timer,
		Screenshot: s.Screenshot,
		Verbose:    s.Verbose,
		Quiet:      s.Quiet,
	}, nil
}

func (s *BootCMD) Run() error {
	c, err := s.Config()
	if err != nil {
		return err
	}

	v := vmm.New(*c)

	if err := v.Init(); err != nil {
		return err
	}

	defer v.Close()

	if err := v.Setup(); err != nil {
		return err
	}

	return v.Boot()
}

// printer adapts an io.Writer to loader.Logger.
type printer struct {
	w io.Writer
}

func (p printer) Infof(format string, args ...any) {
	fmt.Fprintf(p.w, "[INFO] "+format+"\n", args...)
}

func (p printer) Warnf(format string, args ...any) {
	fmt.Fprintf(p.w, "[WARNING] "+format+"\n", args...)
}

func (i *InspectCMD) Run(out io.Writer) error {
	data, err := os.ReadFile(i.File)
	if err != nil {
		return err
	}

	img, err := loader.Inspect(data, printer{out})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%-18s %-18s %-8s %-6s %s\n", "VADDR", "PAGES AT", "MEMSZ", "PAGES", "TYPE")

	for _, s := range img.Segments {
		fmt.Fprintf(out, "%#-18x %#-18x %#-8x %-6d %s\n", s.Vaddr, s.Aligned, s.MemSize, s.Pages, s.Type)
	}

	code, err := entryCode(data, img)
	if err != nil {
		return err
	}

	lines, err := machine.Disassemble(code, img.Entry, i.Count)
	if err != nil {
		return err
	}

	for _, l := range lines {
		fmt.Fprintln(out, l)
	}

	return nil
}

// entryCode returns the file bytes from the entry point to the end of its
// segment's file image.
func entryCode(data []byte, img *loader.Image) ([]byte, error) {
	for _, s := range img.Segments {
		if !s.Contains(img.Entry) {
			continue
		}

		off := img.Entry - s.Vaddr
		if off >= s.FileSize || s.Offset+s.FileSize > uint64(len(data)) {
			break
		}

		return data[s.Offset+off : s.Offset+s.FileSize], nil
	}

	return nil, fmt.Errorf("%w: %#x", errNoEntryCode, img.Entry)
}
