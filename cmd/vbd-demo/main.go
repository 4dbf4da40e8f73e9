// Command vbd-demo exercises a balloon device against fake
// collaborators: no real VMM, guest memory, or virtqueue ring, just
// enough plumbing to watch activation, a drain, and a clean reset.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vmballoon/vbd"
	"github.com/vmballoon/vbd/internal/iface"
)

func main() {
	var (
		sizePages = flag.Uint64("pages", 256, "initial balloon target, in 4 KiB pages")
		reporting = flag.Bool("reporting", false, "acknowledge free-page reporting")
		hetero    = flag.Bool("hetero", false, "acknowledge heterogeneous memory")
		verbose   = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	opts := vbd.DefaultOptions()
	opts.Stats = true
	opts.StatsInterval = time.Second
	opts.Reporting = *reporting
	opts.Hetero = *hetero
	if *verbose {
		fmt.Println("verbose logging requested; using default logger level")
	}

	dev := vbd.New(opts, 0, [2]uint32{uint32(*sizePages), 0}, nil)
	dev.AckFeatures(dev.Features())

	gm := vbd.NewFakeGuestMemory(1 << 20)
	interrupt := vbd.NewFakeInterruptInjector()

	queues, kickFDs, err := buildQueues(*reporting, *hetero)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vbd-demo: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dev.Activate(ctx, gm, interrupt, queues); err != nil {
		fmt.Fprintf(os.Stderr, "vbd-demo: activate: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("device activated")

	submitInflateChain(gm, queues[0].(*vbd.FakeVirtqueue), kickFDs[0])
	time.Sleep(50 * time.Millisecond)
	fmt.Printf("stats: %+v\n", dev.Stats())
	fmt.Printf("queue interrupts raised: %v\n", interrupt.QueueSignals())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	fmt.Println("press Ctrl+C to reset and exit")
	<-sigCh

	if _, err := dev.Reset(); err != nil {
		fmt.Fprintf(os.Stderr, "vbd-demo: reset: %v\n", err)
	}
	for _, fd := range kickFDs {
		unix.Close(fd)
	}
}

// buildQueues creates one FakeVirtqueue per role this device will
// activate, each paired with a real eventfd so the pump's event loop
// has something to actually wait on.
func buildQueues(reporting, hetero bool) ([]iface.Virtqueue, []int, error) {
	roles := 3 // inflate, deflate, stats (always enabled by DefaultOptions)
	if reporting {
		roles++
	}
	if hetero {
		roles += 2
	}

	queues := make([]iface.Virtqueue, 0, roles)
	fds := make([]int, 0, roles)
	for i := 0; i < roles; i++ {
		fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			for _, f := range fds {
				unix.Close(f)
			}
			return nil, nil, fmt.Errorf("create queue eventfd: %w", err)
		}
		queues = append(queues, vbd.NewFakeVirtqueue(i, fd))
		fds = append(fds, fd)
	}
	return queues, fds, nil
}

// submitInflateChain writes three PFNs into the guest memory arena,
// pushes a matching descriptor chain onto the inflate queue, and kicks
// its eventfd so the worker wakes and drains it.
func submitInflateChain(gm *vbd.FakeGuestMemory, q *vbd.FakeVirtqueue, kickFD int) {
	const bodyAddr = 0x1000
	body := make([]byte, 12)
	binary.LittleEndian.PutUint32(body[0:], 0x10)
	binary.LittleEndian.PutUint32(body[4:], 0x11)
	binary.LittleEndian.PutUint32(body[8:], 0x12)
	gm.Write(bodyAddr, body)

	q.Push(vbd.NewFakeChain(iface.Descriptor{Addr: bodyAddr, Len: uint32(len(body))}))

	var one [8]byte
	one[0] = 1
	unix.Write(kickFD, one[:])
}
