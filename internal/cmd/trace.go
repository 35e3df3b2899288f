package cmd

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/spf13/cobra"

	"github.com/heapcore/heapcore"
	"github.com/heapcore/heapcore/capi"
	"github.com/heapcore/heapcore/internal/addr"
	"github.com/heapcore/heapcore/internal/testvm"
	"github.com/heapcore/heapcore/options"
	"github.com/heapcore/heapcore/vm"
)

var traceCount int

func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Allocate a batch of objects, force a collection, report survivors",
		Long:  "Drive a scripted allocation/collection pass against the bundled test binding: allocate --count objects, root every other one, trigger a user collection, and report how many survive.",
		Args:  cobra.NoArgs,
		RunE:  runTrace,
	}
	cmd.Flags().IntVar(&traceCount, "count", 64, "Number of objects to allocate")
	return cmd
}

const (
	traceObjectBytes = 32
	traceHeaderBytes = 8 // matches internal/testvm's [size uintptr][payload] layout
)

func runTrace(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions(configPath)
	if err != nil {
		return exitError("invalid options: %w", err)
	}

	b := testvm.New()
	if err := capi.MmtkInit(opts, heapcore.Bindings{
		Collection:    b,
		Scanning:      b,
		ObjectModel:   b,
		ActivePlan:    b,
		ReferenceGlue: b,
	}); err != nil {
		return exitError("init failed: %w", err)
	}

	var dummy int
	tls := vm.TLS(unsafe.Pointer(&dummy))
	mu, err := capi.BindMutator(tls)
	if err != nil {
		return exitError("bind failed: %w", err)
	}
	b.RegisterMutator(mu.TLS())

	capi.InitializeCollection(mu.TLS())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, err := capi.StartWorker(ctx)
	if err != nil {
		return exitError("start workers failed: %w", err)
	}

	rooted := 0
	var rootSlots []vm.Slot
	for i := 0; i < traceCount; i++ {
		a, err := capi.Alloc(mu, traceHeaderBytes+traceObjectBytes, addr.MinAlignment, 0, options.SemanticsDefault)
		if err != nil {
			return exitError("alloc %d failed: %w", i, err)
		}
		*(*uintptr)(unsafe.Pointer(uintptr(a))) = traceObjectBytes
		ref := addr.ObjectReference(a.Add(traceHeaderBytes))
		capi.PostAlloc(ref, traceObjectBytes, options.SemanticsDefault)
		if i%2 == 0 {
			rootSlots = append(rootSlots, b.AddRoot(ref))
			rooted++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "allocated %d objects, rooted %d\n", traceCount, rooted)

	capi.HandleUserCollectionRequest(mu.TLS())

	// A moving plan's collection may have forwarded every rooted object;
	// re-read each root slot now rather than the stale pre-collection
	// addresses, since ProcessEdges stores the forwarded reference back
	// into the slot itself.
	survivors := 0
	for _, slot := range rootSlots {
		if capi.IsHeapObject(slot.Load()) {
			survivors++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "collection complete: %d/%d rooted objects still recognized as heap objects\n", survivors, rooted)

	capi.DestroyMutator(mu)
	capi.Shutdown()
	cancel()
	if g != nil {
		_ = g.Wait()
	}
	return nil
}
