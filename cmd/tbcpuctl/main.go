// tbcpuctl - Translation CPU Harness control CLI
// License: GPLv3 or later
package main

import (
	"fmt"
	"net"
	"os"

	harness "github.com/tbcpu/harness"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	translatorPath string
	archName       string
	wordSize       int
	bigEndian      bool
	imagePath      string
	endianStr      string
	socketPath     string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tbcpuctl",
		Short: "Drive a translation CPU harness instance from the command line",
	}

	root.PersistentFlags().StringVar(&translatorPath, "translator", "", "path to the translator shared object")
	root.PersistentFlags().StringVar(&archName, "arch", "", "guest architecture name")
	root.PersistentFlags().IntVar(&wordSize, "word-size", 32, "guest word size (32 or 64)")
	root.PersistentFlags().StringVar(&endianStr, "endian", "le", "guest endianness (le or be)")
	root.PersistentFlags().StringVar(&imagePath, "image", "", "guest ELF image to load")
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path for the monitor subcommand")

	viper.BindPFlag("translator", root.PersistentFlags().Lookup("translator"))
	viper.BindPFlag("arch", root.PersistentFlags().Lookup("arch"))
	viper.SetConfigName(".tbcpuctl")
	viper.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	_ = viper.ReadInConfig()

	root.AddCommand(newRunCmd())
	root.AddCommand(newMonitorCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load a translator and guest image, then run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if translatorPath == "" {
				translatorPath = viper.GetString("translator")
			}
			if archName == "" {
				archName = viper.GetString("arch")
			}
			if translatorPath == "" || archName == "" {
				return fmt.Errorf("--translator and --arch are required (or set in ~/.tbcpuctl.yaml)")
			}

			bigEndian = endianStr == "be"

			lib, err := os.ReadFile(translatorPath)
			if err != nil {
				return fmt.Errorf("read translator: %w", err)
			}

			bus := newNullBus()
			mm := harness.NewMemoryManager()
			t, err := harness.LoadTranslator(harness.TranslatorConfig{
				WordSize:     wordSize,
				Architecture: archName,
				BigEndian:    bigEndian,
				LibraryBytes: lib,
			}, bus, mm, nil)
			if err != nil {
				return err
			}

			cpu := harness.NewCPU(t, bus, nil, mm, 2, func(line int) (int, bool) { return line, true }, archName, "generic", bigEndian, 0)

			if imagePath != "" {
				f, err := os.Open(imagePath)
				if err != nil {
					return fmt.Errorf("open image: %w", err)
				}
				defer f.Close()
				loader := &harness.ImageLoader{PC: func(addr uint32) {}}
				if err := loader.InitFromElf(f, nil); err != nil {
					return err
				}
			}

			go func() {
				for ev := range cpu.Halted() {
					fmt.Printf("halted: %s pc=0x%08x\n", ev.Reason, ev.PC)
				}
			}()
			cpu.Resume()
			fmt.Println("running; Ctrl-C to stop")
			select {}
		},
	}
}

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Load a translator and guest image, then attach an interactive debug console over a control socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if socketPath == "" {
				return fmt.Errorf("--socket is required")
			}
			if translatorPath == "" {
				translatorPath = viper.GetString("translator")
			}
			if archName == "" {
				archName = viper.GetString("arch")
			}
			if translatorPath == "" || archName == "" {
				return fmt.Errorf("--translator and --arch are required (or set in ~/.tbcpuctl.yaml)")
			}

			bigEndian = endianStr == "be"

			lib, err := os.ReadFile(translatorPath)
			if err != nil {
				return fmt.Errorf("read translator: %w", err)
			}

			bus := newNullBus()
			mm := harness.NewMemoryManager()
			t, err := harness.LoadTranslator(harness.TranslatorConfig{
				WordSize:     wordSize,
				Architecture: archName,
				BigEndian:    bigEndian,
				LibraryBytes: lib,
			}, bus, mm, nil)
			if err != nil {
				return err
			}

			cpu := harness.NewCPU(t, bus, nil, mm, 2, func(line int) (int, bool) { return line, true }, archName, "generic", bigEndian, 0)

			if imagePath != "" {
				f, err := os.Open(imagePath)
				if err != nil {
					return fmt.Errorf("open image: %w", err)
				}
				defer f.Close()
				loader := &harness.ImageLoader{PC: func(addr uint32) {}}
				if err := loader.InitFromElf(f, nil); err != nil {
					return err
				}
			}

			ln, err := net.Listen("unix", socketPath)
			if err != nil {
				return fmt.Errorf("listen %s: %w", socketPath, err)
			}
			defer ln.Close()

			cpu.Resume()
			mon := harness.NewMonitor(cpu, nil)
			srv := harness.NewControlServer(ln, mon)
			fmt.Printf("monitor listening on %s\n", socketPath)
			return srv.Serve()
		},
	}
}

// nullBus is a minimal SystemBus satisfying run's wiring needs when no
// concrete bus is supplied; a real deployment plugs in the wider
// emulator's bus instead.
type nullBus struct{ mem [1 << 20]byte }

func newNullBus() *nullBus { return &nullBus{} }

func (b *nullBus) Read8(addr uint32) uint8   { return b.mem[addr%uint32(len(b.mem))] }
func (b *nullBus) Read16(addr uint32) uint16 { return uint16(b.Read8(addr)) | uint16(b.Read8(addr+1))<<8 }
func (b *nullBus) Read32(addr uint32) uint32 {
	return uint32(b.Read16(addr)) | uint32(b.Read16(addr+2))<<16
}
func (b *nullBus) Write8(addr uint32, v uint8) { b.mem[addr%uint32(len(b.mem))] = v }
func (b *nullBus) Write16(addr uint32, v uint16) {
	b.Write8(addr, uint8(v))
	b.Write8(addr+1, uint8(v>>8))
}
func (b *nullBus) Write32(addr uint32, v uint32) {
	b.Write16(addr, uint16(v))
	b.Write16(addr+2, uint16(v>>16))
}
func (b *nullBus) IsWatchpointAt(addr uint32, read bool) bool { return false }
