package foyer

// Sender pool: a fixed set of worker goroutines that multiplex all
// outbound client traffic onto bounded concurrency.
//
// Invariants:
//   - Each worker owns an intake channel of outgoingItems. A client's
//     senderIndex is fixed at creation, so every item for that client
//     lands on the same worker — single-writer semantics over the
//     client's pending queues and over its socket during a send.
//   - Messages accepted for a client are written to the socket in
//     acceptance order, as long as the client is not dropped. A failed
//     send leaves the unsent message at the head of its pending queue;
//     the wake-up from the next RecordOpenedSocket drains it.
//   - Consecutive intake items for the same client are coalesced into a
//     batch and serialized as one wire unit. Runs are split on client
//     boundaries before processing, so a batch never mixes clients.
//   - No error escapes a worker: serialization failures drop the message,
//     socket failures close the socket, panics restart the iteration with
//     the pending queues intact. Items still in the intake at shutdown
//     are dropped.

import (
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
)

// maxSendBatch is the maximum number of intake items combined into a
// single batch before processing.
const maxSendBatch = 64

var errShuttingDown = fmt.Errorf("gateway is shutting down")

type senderPool struct {
	gw      *Gateway
	workers []*senderWorker
}

type senderWorker struct {
	gw     *Gateway
	index  int
	intake chan outgoingItem
}

func newSenderPool(gw *Gateway, size, buffer int) *senderPool {
	p := &senderPool{gw: gw}
	for i := 0; i < size; i++ {
		p.workers = append(p.workers, &senderWorker{
			gw:     gw,
			index:  i,
			intake: make(chan outgoingItem, buffer),
		})
	}
	return p
}

func (p *senderPool) size() int {
	return len(p.workers)
}

func (p *senderPool) start() {
	for _, w := range p.workers {
		p.gw.wg.Add(1)
		go w.run()
	}
}

// enqueue places an item on the worker that owns the target client.
// Returns errShuttingDown once the gateway's done channel is closed and
// the intake is full.
func (p *senderPool) enqueue(index int, item outgoingItem) error {
	w := p.workers[index]
	// Fast path: buffered send without touching the done channel.
	select {
	case w.intake <- item:
		return nil
	default:
	}
	select {
	case w.intake <- item:
		return nil
	case <-p.gw.done:
		return errShuttingDown
	}
}

// queueRequest routes a message onto the owning sender of cs. Called by
// dispatch with the clientState already resolved.
func (g *Gateway) queueRequest(cs *clientState, msg *Message) {
	if err := g.senders.enqueue(cs.senderIndex, outgoingItem{target: cs.id, msg: msg}); err != nil {
		msg.Release()
		g.metrics.MessagesDropped.Add(1)
	}
}

func (w *senderWorker) run() {
	defer w.gw.wg.Done()

	var batch [maxSendBatch]outgoingItem
	for {
		select {
		case batch[0] = <-w.intake:
		default:
			select {
			case batch[0] = <-w.intake:
			case <-w.gw.done:
				return
			}
		}
		n := 1

	drain:
		for n < maxSendBatch {
			select {
			case batch[n] = <-w.intake:
				n++
			default:
				break drain
			}
		}

		w.dispatch(batch[:n])
	}
}

// dispatch splits the drained items into per-client runs and hands each
// run to the single or batch processor.
func (w *senderWorker) dispatch(items []outgoingItem) {
	i := 0
	for i < len(items) {
		item := items[i]
		if item.msg == nil {
			w.safely(func() { w.processWake(item.target) })
			i++
			continue
		}
		j := i + 1
		for j < len(items) && items[j].target == item.target && items[j].msg != nil {
			j++
		}
		if j-i == 1 {
			w.safely(func() { w.process(item) })
		} else {
			msgs := make([]*Message, 0, j-i)
			for k := i; k < j; k++ {
				msgs = append(msgs, items[k].msg)
			}
			w.safely(func() { w.processBatch(item.target, msgs) })
		}
		i = j
	}
}

// safely runs fn with panic recovery so a poisoned item cannot take the
// worker down. Pending queues are preserved, including an in-flight
// message already pushed onto them before the panic.
func (w *senderWorker) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			debug.PrintStack()
			slog.Error("sender worker recovered from panic", "sender", w.index, "panic", r)
		}
	}()
	fn()
}

// process handles a single outbound message.
func (w *senderWorker) process(item outgoingItem) {
	cs, sock, connected := w.gw.resolveClient(item.target)
	if cs == nil {
		w.rejectUnknown(item.target, []*Message{item.msg})
		return
	}
	if cs.pendingBatches.Len() > 0 {
		// Batches are parked: queue behind them so acceptance order holds
		// (singles always drain before batches).
		cs.pendingBatches.Push([]*Message{item.msg})
	} else {
		cs.pendingSingles.Push(item.msg)
	}
	if !connected {
		// Parked until the reconnect wake-up.
		return
	}
	w.drainSingles(cs, sock)
	if cs.pendingSingles.Len() == 0 {
		w.drainBatches(cs, sock)
	}
}

// processBatch handles a run of messages for one client as a single
// serialized wire unit. All items share the ClientID; dispatch guarantees
// runs never cross client boundaries.
func (w *senderWorker) processBatch(target ClientID, msgs []*Message) {
	cs, sock, connected := w.gw.resolveClient(target)
	if cs == nil {
		w.rejectUnknown(target, msgs)
		return
	}
	cs.pendingBatches.Push(msgs)
	if !connected {
		return
	}
	// Singles parked earlier go out before this batch.
	w.drainSingles(cs, sock)
	if cs.pendingSingles.Len() > 0 {
		return
	}
	w.drainBatches(cs, sock)
}

// processWake reacts to a connection-state change: inspect both pending
// queues and drain whatever the new socket will take.
func (w *senderWorker) processWake(target ClientID) {
	cs, sock, connected := w.gw.resolveClient(target)
	if cs == nil || !connected {
		return
	}
	w.drainSingles(cs, sock)
	w.drainBatches(cs, sock)
}

// drainSingles walks pendingSingles head-first while sends succeed. A
// socket failure stops the drain leaving the unsent message in place; a
// serialization failure drops only the offending message and continues.
func (w *senderWorker) drainSingles(cs *clientState, sock Socket) {
	for {
		select {
		case <-w.gw.done:
			return
		default:
		}
		msg, ok := cs.pendingSingles.Peek()
		if !ok {
			return
		}
		bufs, err := w.gw.serializer.Serialize(msg)
		if err != nil {
			cs.pendingSingles.Pop()
			w.dropUnserializable(cs.id, msg, err)
			continue
		}
		if !w.send(cs, sock, bufs) {
			w.failSocket(cs, sock)
			return
		}
		cs.pendingSingles.Pop()
		msg.Release()
		w.gw.metrics.MessagesSent.Add(1)
	}
}

// drainBatches mirrors drainSingles over pendingBatches. Messages that
// fail batch serialization are dropped from the head batch; the survivors
// are sent together.
func (w *senderWorker) drainBatches(cs *clientState, sock Socket) {
	for {
		select {
		case <-w.gw.done:
			return
		default:
		}
		msgs, ok := cs.pendingBatches.Peek()
		if !ok {
			return
		}
		bufs, errs := w.gw.serializer.SerializeBatch(msgs)
		if errs != nil {
			good := make([]*Message, 0, len(msgs))
			for i, msg := range msgs {
				if errs[i] != nil {
					w.dropUnserializable(cs.id, msg, errs[i])
					continue
				}
				good = append(good, msg)
			}
			cs.pendingBatches.Pop()
			if len(good) == 0 {
				continue
			}
			cs.pendingBatches.PushFront(good)
			msgs = good
		}
		if !w.send(cs, sock, bufs) {
			w.failSocket(cs, sock)
			return
		}
		cs.pendingBatches.Pop()
		for _, msg := range msgs {
			msg.Release()
			w.gw.metrics.MessagesSent.Add(1)
		}
		w.gw.metrics.BatchesSent.Add(1)
	}
}

// send writes bufs to sock, treating errors and short writes alike as
// send failures.
func (w *senderWorker) send(cs *clientState, sock Socket, bufs net.Buffers) bool {
	want := totalLen(bufs)
	n, err := sock.Send(bufs)
	if err != nil {
		slog.Warn("client send failed",
			"client", cs.id, "endpoint", sock.RemoteEndpoint(), "error", err)
		return false
	}
	if n != want {
		slog.Warn("short write to client",
			"client", cs.id, "endpoint", sock.RemoteEndpoint(), "wrote", n, "want", want)
		return false
	}
	return true
}

// failSocket reports the socket closed to the registry and physically
// closes it. The registry's socket-existence check guards double-close
// when the read loop noticed the failure first.
func (w *senderWorker) failSocket(cs *clientState, sock Socket) {
	w.gw.metrics.SendFailures.Add(1)
	w.gw.RecordClosedSocket(sock)
	sock.Close()
}

// dropUnserializable counts and releases a message the serializer refused.
// The socket stays open: the failure is the message's, not the client's.
func (w *senderWorker) dropUnserializable(id ClientID, msg *Message, err error) {
	msg.Release()
	w.gw.metrics.SerializationFailures.Add(1)
	w.gw.metrics.MessagesDropped.Add(1)
	slog.Warn("message serialization failed",
		"client", id, "target", msg.Target.String(), "error", err)
}

// rejectUnknown handles items whose client is no longer registered:
// requests get an unrecoverable rejection routed back through the silo,
// everything else is counted as dropped. Buffers are released either way.
func (w *senderWorker) rejectUnknown(target ClientID, msgs []*Message) {
	for _, msg := range msgs {
		if msg.IsRequest() {
			info := fmt.Sprintf("client %s is not connected to gateway %s", target, w.gw.address)
			w.gw.mc.SendMessage(rejectionResponse(msg, w.gw.address, info))
			w.gw.metrics.MessagesRejected.Add(1)
			slog.Info("rejecting request for unknown client",
				"client", target, "target", msg.Target.String())
		} else {
			w.gw.metrics.MessagesDropped.Add(1)
			slog.Info("dropping message for unknown client",
				"client", target, "target", msg.Target.String())
		}
		msg.Release()
	}
}
