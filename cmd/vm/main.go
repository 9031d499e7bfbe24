// Command vm loads an eBPF program from an ELF section and either
// disassembles or runs it, using the interpreter or the x86_64 JIT.
package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
	"github.com/yalue/elf_reader"

	"github.com/robertodauria/ebpf-vm/pkg/vm"
)

var log logr.Logger

func main() {
	log = stdr.New(nil)

	root := &cobra.Command{
		Use:   "vm",
		Short: "A user-space eBPF interpreter and x86_64 JIT",
	}
	root.AddCommand(newRunCmd(), newDisasmCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var filename, section, flavor, dataPath, mbuffPath string
	var useJIT bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Verify and run an eBPF program",
		RunE: func(cmd *cobra.Command, args []string) error {
			bytecode, err := loadSection(filename, section)
			if err != nil {
				return err
			}

			machine, regions, err := newVMForFlavor(bytecode, flavor, dataPath, mbuffPath)
			if err != nil {
				return err
			}
			defer machine.Close()

			var ret uint64
			if useJIT {
				if err := machine.JITCompile(); err != nil {
					return fmt.Errorf("jit compile: %w", err)
				}
				ret, err = machine.ExecJIT(regions...)
			} else {
				ret, err = machine.Exec(regions...)
			}
			if err != nil {
				return fmt.Errorf("exec: %w", err)
			}

			log.Info("program returned", "r0", ret)
			return nil
		},
	}

	cmd.Flags().StringVar(&filename, "filename", "", "ELF object file containing the eBPF program")
	cmd.Flags().StringVar(&section, "section", "", "ELF section containing the eBPF program")
	cmd.Flags().StringVar(&flavor, "flavor", "raw", "argument-passing flavor: none, raw, mbuff, or fixed-mbuff")
	cmd.Flags().BoolVar(&useJIT, "jit", false, "run the compiled x86_64 image instead of interpreting")
	cmd.Flags().StringVar(&dataPath, "data", "", "file whose contents become the memory region passed to a raw or mbuff program")
	cmd.Flags().StringVar(&mbuffPath, "mbuff", "", "file whose contents become the region a fixed-mbuff program's owned buffer points at")
	_ = cmd.MarkFlagRequired("filename")
	_ = cmd.MarkFlagRequired("section")
	return cmd
}

// newVMForFlavor constructs the VM named by flavor and the region(s) that
// should be passed to Exec/ExecJIT for it.
func newVMForFlavor(bytecode []byte, flavor, dataPath, mbuffPath string) (*vm.VM, [][]byte, error) {
	switch flavor {
	case "none":
		machine, err := vm.NewNoData(bytecode)
		return machine, nil, err
	case "raw":
		region, err := readIfSet(dataPath)
		if err != nil {
			return nil, nil, err
		}
		machine, err := vm.NewRaw(bytecode)
		return machine, regionsOf(region), err
	case "mbuff":
		region, err := readIfSet(dataPath)
		if err != nil {
			return nil, nil, err
		}
		machine, err := vm.NewMbuff(bytecode)
		return machine, regionsOf(region), err
	case "fixed-mbuff":
		region, err := readIfSet(mbuffPath)
		if err != nil {
			return nil, nil, err
		}
		// The owned mbuff is one pointer wide: offset 0 holds the address
		// of the caller's region, the simplest scatter/gather layout the
		// flavor supports.
		machine, err := vm.NewFixedMbuff(bytecode, 8, []uint32{0})
		return machine, regionsOf(region), err
	default:
		return nil, nil, fmt.Errorf("unknown flavor %q (want none, raw, mbuff, or fixed-mbuff)", flavor)
	}
}

func regionsOf(region []byte) [][]byte {
	if region == nil {
		return nil
	}
	return [][]byte{region}
}

func readIfSet(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}

func newDisasmCmd() *cobra.Command {
	var filename, section string

	cmd := &cobra.Command{
		Use:   "disasm",
		Short: "Print the decoded instructions in an eBPF program",
		RunE: func(cmd *cobra.Command, args []string) error {
			bytecode, err := loadSection(filename, section)
			if err != nil {
				return err
			}
			prog, err := vm.DecodeProgram(bytecode)
			if err != nil {
				return err
			}
			for pc, instr := range prog.Instructions {
				fmt.Printf("%4d: %s\n", pc, instr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filename, "filename", "", "ELF object file containing the eBPF program")
	cmd.Flags().StringVar(&section, "section", "", "ELF section containing the eBPF program")
	_ = cmd.MarkFlagRequired("filename")
	_ = cmd.MarkFlagRequired("section")
	return cmd
}

// loadSection reads path as an ELF object and returns the raw bytes of
// its named section. The wire format is always little-endian regardless
// of host byte order, so unlike the teacher's original CLI there is no
// --be flag to get wrong.
func loadSection(path, section string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	elf, err := elf_reader.ParseELFFile(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	for i := uint16(1); i < elf.GetSectionCount(); i++ {
		name, err := elf.GetSectionName(i)
		if err != nil {
			return nil, err
		}
		if name != section {
			continue
		}
		return elf.GetSectionContent(i)
	}
	return nil, fmt.Errorf("section %q not found in %s", section, path)
}
