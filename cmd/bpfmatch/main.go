// Program bpfmatch filters a pcap file through a tcpdump / libpcap filter
// expression, using a BPF program loaded into (and JITed by) the kernel.
//
// Packets are never put on the wire, the loaded program is driven with
// BPF_PROG_TEST_RUN:
//
//	bpfmatch in.pcap out.pcap 'udp port 53'
//	bpfmatch - - 'tcp' < in.pcap > out.pcap
//
// The filter may also be a classic BPF program of the form
// '<op count>,<op> <jt> <jf> <k>,...', as emitted by tcpdump -ddd.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bpfmatch/bpfmatch"
	"github.com/bpfmatch/bpfmatch/internal"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	linkType   = linkTypeFlag(layers.LinkTypeEthernet)
	maxPackets uint64
	quiet      bool
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "bpfmatch [flags] <input pcap> <output pcap> [filter expr]",
	Short: "Filter a pcap file through a tcpdump / libpcap filter expression using the kernel BPF JIT",
	Long: `Filter a pcap file through a tcpdump / libpcap filter expression using the kernel BPF JIT.

<input pcap> may be "-" to read from stdin.
<output pcap> may be "-" to write to stdout. Implies -q.

An empty or missing filter expression matches every packet. The expression
may also be a classic BPF program of the form '<op count>,<op> <jt> <jf> <k>,...'.`,
	Args:          cobra.MinimumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().Var(&linkType, "linktype", "linktype to compile the filter expression for, name or enum value (default: the input file's)")
	rootCmd.Flags().Uint64VarP(&maxPackets, "count", "c", 0, "stop after matching this many packets. 0 means unlimited")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "don't print statistics")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "print the compiled program and debugging messages")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if debug {
		log.SetLevel(log.DebugLevel)
	}

	// BPF progs and maps are stored in locked memory
	if err := internal.UnlimitLockedMemory(); err != nil {
		log.Warnf("setting locked memory limit: %v", err)
	}

	input := os.Stdin
	if args[0] != "-" {
		var err error
		input, err = os.Open(args[0])
		if err != nil {
			return errors.Wrap(err, "opening input")
		}
		defer input.Close()
	}

	reader, err := pcapgo.NewReader(input)
	if err != nil {
		return errors.Wrap(err, "reading pcap header")
	}

	// Compile against the input file's linktype unless one was forced
	if !cmd.Flags().Changed("linktype") {
		linkType = linkTypeFlag(reader.LinkType())
	} else if layers.LinkType(linkType) != reader.LinkType() {
		log.Warnf("filter linktype %v doesn't match input linktype %v", linkType, linkTypeFlag(reader.LinkType()))
	}

	expr := strings.Join(args[2:], " ")
	insns, err := parseFilter(expr, layers.LinkType(linkType))
	if err != nil {
		return errors.Wrap(err, "parsing filter")
	}

	filter, err := bpfmatch.FromInstructions(insns)
	if err != nil {
		return errors.Wrap(err, "loading filter")
	}
	defer filter.Close()

	log.Debugf("compiled filter for %v:\n%v", linkType, filter)

	output := os.Stdout
	if args[1] == "-" {
		quiet = true
	} else {
		output, err = os.Create(args[1])
		if err != nil {
			return errors.Wrap(err, "creating output")
		}
		defer output.Close()
	}

	writer := pcapgo.NewWriter(output)
	err = writer.WriteFileHeader(internal.MaxSnapLen, reader.LinkType())
	if err != nil {
		return errors.Wrap(err, "writing pcap header")
	}

	read, matched, err := copyMatching(reader, writer, filter, maxPackets)
	if err != nil {
		return err
	}

	if !quiet {
		fmt.Fprintf(os.Stderr, "%d packets read, %d matched\n", read, matched)
	}

	return nil
}

// copyMatching copies packets matching filter from reader to writer,
// stopping after max matches. 0 means unlimited.
func copyMatching(reader *pcapgo.Reader, writer *pcapgo.Writer, filter *bpfmatch.Filter, max uint64) (read, matched uint64, err error) {
	for {
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			return read, matched, nil
		}
		if err != nil {
			return read, matched, errors.Wrap(err, "reading packet")
		}

		read++

		if !filter.Matches(data) {
			continue
		}

		err = writer.WritePacket(ci, data)
		if err != nil {
			return read, matched, errors.Wrap(err, "writing packet")
		}

		matched++
		if max != 0 && matched >= max {
			return read, matched, nil
		}
	}
}
