// Package camlink streams MJPEG frames from two multiplexed cameras to a
// remote host over UDP, alternating cameras after every frame.
//
// # Quick Start
//
//	dev, closer, err := xl9535.Open("", xl9535.DefaultAddress)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer closer.Close()
//
//	src := capture.NewGstSource()
//	tr := transport.NewUDP("192.168.2.181:3333")
//
//	p, err := camlink.New(camlink.DefaultConfig(), dev, src, tr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := p.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Stop()
//
// # Pipeline
//
// Three parts share one State:
//
//   - ingest runs inside the capture callback. When the camera is ready and
//     CaptureInterval has elapsed it copies the frame into a pooled buffer and
//     queues it. It never blocks: with no free buffer the frame is dropped.
//   - the sender goroutine transmits each queued frame as 12 datagrams of
//     3+2304 bytes followed by a 4-byte marker, then signals completion on the
//     frame's own channel.
//   - the SwitchController waits for that completion (HandoffTimeout) and
//     moves the mux to the other camera. The switch is committed only when
//     the capture source reports Connected.
//
// # Wire Format
//
//	data:   [seq 1..12][13][0][2304 bytes of frame[(seq-1)*2304:]]
//	marker: [13][13][0][0]
//
// Frames longer than Capacity (27648 bytes) are truncated; shorter frames are
// zero padded. A frame whose send fails midway still gets its marker, so the
// receiver discards it.
//
// # Error State
//
// If a send does not complete within HandoffTimeout, or the mux cannot be
// switched after the configured retries, the pipeline enters PhaseError and
// captures nothing until Recover is called.
package camlink
