package bpfmatch

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cloudflare/cbpfc"
	"github.com/pkg/errors"
	"golang.org/x/net/bpf"
)

type counters [2]uint64

const (
	receivedPackets = iota
	matchedPackets
)

// map for exporting per-filter packet counters
var countersSpec = ebpf.MapSpec{
	Name:       "bpfmatch_metrics",
	Type:       ebpf.PerCPUArray,
	KeySize:    4,
	ValueSize:  uint32(len(counters{}) * 8),
	MaxEntries: 1,
}

// loadProgram builds an eBPF program evaluating a cBPF filter over a packet
// buffer, and loads it into the kernel. The kernel JITs it on load where
// supported.
//
// The program returns 1 for a matching packet and 0 otherwise, and counts
// received / matched packets in the returned map.
func loadProgram(filter []bpf.Instruction) (*ebpf.Program, *ebpf.Map, error) {
	if len(filter) == 0 {
		return nil, nil, errors.New("at least one filter cBPF instruction required")
	}

	countersMap, err := ebpf.NewMap(&countersSpec)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating counters map")
	}

	// Labels of blocks
	const result = "result"
	const miss = "miss"

	ebpfFilter, err := cbpfc.ToEBPF(filter, cbpfc.EBPFOpts{
		PacketStart: asm.R0,
		PacketEnd:   asm.R1,

		Result:      asm.R2,
		ResultLabel: result,

		Working: [4]asm.Register{asm.R2, asm.R3, asm.R4, asm.R5},

		StackOffset: 0,
		LabelPrefix: "filter",
	})
	if err != nil {
		countersMap.Close()
		return nil, nil, errors.Wrap(err, "converting cBPF to eBPF")
	}

	insns := asm.Instructions{
		// Save ctx
		asm.Mov.Reg(asm.R6, asm.R1),

		// Get the counters struct
		// map fd
		asm.LoadMapPtr(asm.R1, countersMap.FD()),
		// index
		asm.Mov.Reg(asm.R2, asm.R10),
		asm.Add.Imm(asm.R2, -4),
		asm.StoreImm(asm.R2, 0, 0, asm.Word),
		// call
		asm.FnMapLookupElem.Call(),

		// An array map lookup with a valid index can't fail, but the verifier doesn't know that
		asm.JEq.Imm(asm.R0, 0, miss),

		// Save counters
		asm.Mov.Reg(asm.R7, asm.R0),

		// Packet start
		asm.LoadMem(asm.R0, asm.R6, 0, asm.Word),

		// Packet end
		asm.LoadMem(asm.R1, asm.R6, 4, asm.Word),

		// Received packets
		asm.LoadMem(asm.R2, asm.R7, int16(8*receivedPackets), asm.DWord),
		asm.Add.Imm(asm.R2, 1),
		asm.StoreMem(asm.R7, int16(8*receivedPackets), asm.R2, asm.DWord),

		// Fall through to filter
	}

	insns = append(insns, ebpfFilter...)

	insns = append(insns,
		// Packet didn't match filter
		asm.JEq.Imm(asm.R2, 0, miss).Sym(result),

		// Matched packets
		asm.LoadMem(asm.R0, asm.R7, int16(8*matchedPackets), asm.DWord),
		asm.Add.Imm(asm.R0, 1),
		asm.StoreMem(asm.R7, int16(8*matchedPackets), asm.R0, asm.DWord),

		asm.Mov.Imm(asm.R0, 1),
		asm.Return(),

		asm.Mov.Imm(asm.R0, 0).Sym(miss),
		asm.Return(),
	)

	prog, err := ebpf.NewProgram(
		&ebpf.ProgramSpec{
			Name:         "bpfmatch_filter",
			Type:         ebpf.XDP,
			Instructions: insns,
			License:      "BSD",
		},
	)
	if err != nil {
		countersMap.Close()
		return nil, nil, errors.Wrap(err, "loading filter program")
	}

	return prog, countersMap, nil
}
