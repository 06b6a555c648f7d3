package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucent-systems/amqp-go-client/internal/frame"
	"github.com/lucent-systems/amqp-go-client/internal/protocol"
	"github.com/lucent-systems/amqp-go-client/internal/queue"
)

// ChannelState represents the state of a channel
type ChannelState int32

const (
	ChannelStateOpen ChannelState = iota
	ChannelStateClosing
	ChannelStateClosed
)

// Channel represents an AMQP channel
type Channel struct {
	conn *Connection
	id   uint16

	// State
	state     atomic.Int32
	closeOnce sync.Once
	closeChan chan *Error
	closed    chan struct{}

	// Frame handling
	incomingFrames chan *frame.Frame

	// RPC calls. The broker answers synchronous methods in the order it
	// received them, so replies are matched to callers through a FIFO
	// queue rather than a map: a map gives no ordering guarantee and can
	// hand a reply to the wrong waiter when two RPCs are in flight.
	rpcMux     sync.Mutex
	rpcWaiters *queue.Queue[chan *frame.Method]

	// pendingGet holds the fully-assembled response to an in-flight
	// Basic.Get, written by the frame-processing goroutine once content
	// assembly completes and read by BasicGet after its rpcCall returns.
	pendingGet chan *GetResponse

	// Flow control
	flow     atomic.Bool
	flowChan chan bool

	// Publisher confirms
	confirmMux    sync.RWMutex
	confirms      *confirmManager
	nextPublishSeq atomic.Uint64

	// Returns (unroutable messages)
	returnMux     sync.RWMutex
	returnChans   []chan Return
	returnListeners []ReturnListener

	// Consumers
	consumerMux sync.RWMutex
	consumers   map[string]*consumerState

	// QoS settings
	prefetchCount int
	prefetchSize  int
	globalQos     bool

	// Transaction mode
	txMode atomic.Bool
}

// consumerState tracks an active consumer
type consumerState struct {
	tag          string
	queue        string
	callback     ConsumerCallback
	deliveryChan chan Delivery
	cancelChan   chan struct{}
	autoAck      bool
	exclusive    bool
	noLocal      bool
	args         Table
}

// ConsumeOptions configures consumer behavior
type ConsumeOptions struct {
	// WorkerThreads controls how a ConsumeWithCallback consumer drains its
	// mailbox. Zero means the calling goroutine drains the mailbox itself
	// until the consumer is cancelled or the channel closes; N>0 spawns N
	// worker goroutines that pull from a shared mailbox, so ordering is
	// only preserved across workers when N==1.
	WorkerThreads int
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Args      Table
}

// open opens the channel
func (ch *Channel) open(ctx context.Context) error {
	// Start frame processor
	go ch.frameProcessor()

	// Send Channel.Open
	builder := frame.NewMethodArgsBuilder()
	builder.WriteShortString("") // reserved

	method, err := ch.rpcCall(protocol.ClassChannel, protocol.MethodChannelOpen, builder.Bytes())
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}

	if method.MethodID != protocol.MethodChannelOpenOk {
		return ch.failUnexpectedFrame(protocol.ClassChannel, protocol.MethodChannelOpenOk, method)
	}

	ch.state.Store(int32(ChannelStateOpen))
	return nil
}

// frameProcessor processes incoming frames for this channel
func (ch *Channel) frameProcessor() {
	for {
		select {
		case <-ch.closed:
			return
		case f := <-ch.incomingFrames:
			if err := ch.handleFrame(f); err != nil {
				ch.forceClose()
				return
			}
		}
	}
}

// handleFrame handles a single frame
func (ch *Channel) handleFrame(f *frame.Frame) error {
	switch f.Type {
	case protocol.FrameMethod:
		return ch.handleMethodFrame(f)
	case protocol.FrameHeader:
		return ch.handleHeaderFrame(f)
	case protocol.FrameBody:
		return ch.handleBodyFrame(f)
	default:
		return fmt.Errorf("unexpected frame type: %d", f.Type)
	}
}

// handleMethodFrame handles method frames
func (ch *Channel) handleMethodFrame(f *frame.Frame) error {
	method, err := f.ParseMethod()
	if err != nil {
		return err
	}

	switch method.ClassID {
	case protocol.ClassChannel:
		return ch.handleChannelMethod(method)
	case protocol.ClassBasic:
		return ch.handleBasicMethod(method)
	default:
		// Check if this is a response to an RPC call
		return ch.deliverRPCResponse(method)
	}
}

// handleChannelMethod handles channel class methods
func (ch *Channel) handleChannelMethod(method *frame.Method) error {
	switch method.MethodID {
	case protocol.MethodChannelClose:
		return ch.handleChannelClose(method)
	case protocol.MethodChannelFlow:
		return ch.handleChannelFlow(method)
	default:
		return ch.deliverRPCResponse(method)
	}
}

// handleChannelClose processes Channel.Close
func (ch *Channel) handleChannelClose(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	replyCode, _ := args.ReadUint16()
	replyText, _ := args.ReadShortString()

	// Send Channel.CloseOk
	builder := frame.NewMethodArgsBuilder()
	closeOkFrame := frame.NewMethodFrame(ch.id, protocol.ClassChannel, protocol.MethodChannelCloseOk, builder.Bytes())
	ch.sendFrame(closeOkFrame)

	// Close channel
	err := NewError(int(replyCode), replyText, true)
	ch.closeWithError(err)

	return nil
}

// handleChannelFlow processes Channel.Flow
func (ch *Channel) handleChannelFlow(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	active, _ := args.ReadBool()

	ch.flow.Store(active)

	// Send Channel.FlowOk
	builder := frame.NewMethodArgsBuilder()
	builder.WriteBool(active)
	flowOkFrame := frame.NewMethodFrame(ch.id, protocol.ClassChannel, protocol.MethodChannelFlowOk, builder.Bytes())
	ch.sendFrame(flowOkFrame)

	// Notify flow channel
	select {
	case ch.flowChan <- active:
	default:
	}

	return nil
}

// handleBasicMethod handles basic class methods
func (ch *Channel) handleBasicMethod(method *frame.Method) error {
	switch method.MethodID {
	case protocol.MethodBasicDeliver:
		return ch.handleBasicDeliver(method)
	case protocol.MethodBasicReturn:
		return ch.handleBasicReturn(method)
	case protocol.MethodBasicAck:
		return ch.handleBasicAck(method)
	case protocol.MethodBasicNack:
		return ch.handleBasicNack(method)
	case protocol.MethodBasicCancel:
		return ch.handleBasicCancel(method)
	case protocol.MethodBasicGetOk:
		return ch.handleBasicGetOk(method)
	case protocol.MethodBasicGetEmpty:
		ch.pendingGet <- nil
		return ch.deliverRPCResponse(method)
	default:
		return ch.deliverRPCResponse(method)
	}
}

// handleBasicGetOk assembles the full response to a Basic.Get before
// unblocking the RPC waiter. Content assembly only ever happens on this
// goroutine, so there is no race between it and the caller of BasicGet
// reading incomingFrames directly.
func (ch *Channel) handleBasicGetOk(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	deliveryTag, _ := args.ReadUint64()
	redelivered, _ := args.ReadBool()
	exchange, _ := args.ReadShortString()
	routingKey, _ := args.ReadShortString()
	messageCount, _ := args.ReadUint32()

	properties, body, err := ch.readContent()
	if err != nil {
		return err
	}

	ch.pendingGet <- &GetResponse{
		DeliveryTag:  deliveryTag,
		Redelivered:  redelivered,
		Exchange:     exchange,
		RoutingKey:   routingKey,
		MessageCount: int(messageCount),
		Properties:   properties,
		Body:         body,
		channel:      ch,
	}

	return ch.deliverRPCResponse(method)
}

// handleBasicDeliver processes Basic.Deliver (message delivery to consumer)
func (ch *Channel) handleBasicDeliver(method *frame.Method) error {
	// Parse delivery info
	args := frame.NewMethodArgs(method.Args)
	consumerTag, _ := args.ReadShortString()
	deliveryTag, _ := args.ReadUint64()
	redelivered, _ := args.ReadBool()
	exchange, _ := args.ReadShortString()
	routingKey, _ := args.ReadShortString()

	// Read content header and body
	properties, body, err := ch.readContent()
	if err != nil {
		return err
	}

	// Create delivery
	delivery := Delivery{
		ConsumerTag: consumerTag,
		DeliveryTag: deliveryTag,
		Redelivered: redelivered,
		Exchange:    exchange,
		RoutingKey:  routingKey,
		Properties:  properties,
		Body:        body,
		channel:     ch,
	}

	// Deliver to consumer
	ch.consumerMux.RLock()
	consumer, exists := ch.consumers[consumerTag]
	ch.consumerMux.RUnlock()

	if !exists {
		return fmt.Errorf("delivery for unknown consumer: %s", consumerTag)
	}

	// Note: If consumer.autoAck is true, we already told RabbitMQ to auto-ack
	// by setting no-ack=true in Basic.Consume, so we don't need to manually ack here

	// Every consumer, callback-based or channel-based, has a mailbox.
	// Workers (or the caller, for worker_threads=0) drain it; the reader
	// never invokes the callback directly, so a slow or panicking handler
	// cannot block frame dispatch for the rest of the channel.
	select {
	case consumer.deliveryChan <- delivery:
		ch.conn.factory.Metrics.MessageConsumed()
	case <-consumer.cancelChan:
	case <-ch.closed:
	}

	return nil
}

// handleBasicReturn processes Basic.Return (unroutable message)
func (ch *Channel) handleBasicReturn(method *frame.Method) error {
	// Parse return info
	args := frame.NewMethodArgs(method.Args)
	replyCode, _ := args.ReadUint16()
	replyText, _ := args.ReadShortString()
	exchange, _ := args.ReadShortString()
	routingKey, _ := args.ReadShortString()

	// Read content header and body
	properties, body, err := ch.readContent()
	if err != nil {
		return err
	}

	// Create return
	ret := Return{
		ReplyCode:  replyCode,
		ReplyText:  replyText,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Properties: properties,
		Body:       body,
	}

	ch.conn.factory.Metrics.MessageReturned()

	// Notify return channels
	ch.returnMux.RLock()
	defer ch.returnMux.RUnlock()

	for _, returnChan := range ch.returnChans {
		select {
		case returnChan <- ret:
		default:
		}
	}

	// Notify return listeners
	for _, listener := range ch.returnListeners {
		go func(l ReturnListener) {
			l.HandleReturn(ret)
		}(listener)
	}

	return nil
}

// handleBasicAck processes Basic.Ack (publisher confirm)
func (ch *Channel) handleBasicAck(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	deliveryTag, _ := args.ReadUint64()
	multiple, _ := args.ReadBool()

	if ch.confirms != nil {
		ch.confirms.handleAck(deliveryTag, multiple)
		ch.conn.factory.Metrics.ConfirmReceived(true)
	}

	return nil
}

// handleBasicNack processes Basic.Nack (publisher negative confirm)
func (ch *Channel) handleBasicNack(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	deliveryTag, _ := args.ReadUint64()
	multiple, _ := args.ReadBool()

	if ch.confirms != nil {
		ch.confirms.handleNack(deliveryTag, multiple)
		ch.conn.factory.Metrics.ConfirmReceived(false)
	}

	return nil
}

// handleBasicCancel processes Basic.Cancel (server-side consumer cancellation)
func (ch *Channel) handleBasicCancel(method *frame.Method) error {
	args := frame.NewMethodArgs(method.Args)
	consumerTag, _ := args.ReadShortString()

	consumer := ch.cancelConsumerLocal(consumerTag)

	if consumer != nil && consumer.callback != nil {
		go consumer.callback.HandleCancel(consumerTag)
	}

	return nil
}

// cancelConsumerLocal removes consumerTag's bookkeeping and closes its
// cancelChan so every worker blocked in runConsumerWorker's select
// (spawned workers, or the calling goroutine itself for
// WorkerThreads == 0) wakes up and exits. It is shared by BasicCancel
// and handleBasicCancel so a client-initiated cancel and a
// broker-initiated one wake workers the same way. deliveryChan is left
// open here: handleBasicDeliver can still be mid-send to it, and closing
// it out from under that send would panic a live channel that is not
// being torn down. cleanupConsumers closes deliveryChan instead, once
// frame dispatch has actually stopped.
func (ch *Channel) cancelConsumerLocal(consumerTag string) *consumerState {
	ch.consumerMux.Lock()
	consumer, exists := ch.consumers[consumerTag]
	delete(ch.consumers, consumerTag)
	ch.consumerMux.Unlock()

	if !exists {
		return nil
	}

	close(consumer.cancelChan)
	return consumer
}

// handleHeaderFrame handles content header frames
func (ch *Channel) handleHeaderFrame(f *frame.Frame) error {
	// Header frames are handled by readContent()
	return nil
}

// handleBodyFrame handles content body frames
func (ch *Channel) handleBodyFrame(f *frame.Frame) error {
	// Body frames are handled by readContent()
	return nil
}

// readContent reads content header and body frames
func (ch *Channel) readContent() (Properties, []byte, error) {
	// Read header frame
	headerFrame := <-ch.incomingFrames
	if headerFrame.Type != protocol.FrameHeader {
		return Properties{}, nil, fmt.Errorf("expected header frame, got %d", headerFrame.Type)
	}

	header, err := headerFrame.ParseHeader()
	if err != nil {
		return Properties{}, nil, err
	}

	// Decode properties
	properties, err := DecodeProperties(header.Properties)
	if err != nil {
		return Properties{}, nil, err
	}

	// Read body frames
	bodySize := header.BodySize
	body := make([]byte, 0, bodySize)

	for uint64(len(body)) < bodySize {
		bodyFrame := <-ch.incomingFrames
		if bodyFrame.Type != protocol.FrameBody {
			return Properties{}, nil, fmt.Errorf("expected body frame, got %d", bodyFrame.Type)
		}

		bodyContent, err := bodyFrame.ParseBody()
		if err != nil {
			return Properties{}, nil, err
		}

		body = append(body, bodyContent.Data...)
	}

	return properties, body, nil
}

// Publish publishes a message to an exchange
func (ch *Channel) Publish(exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	_, _, err := ch.publishInternal(context.Background(), exchange, routingKey, mandatory, immediate, msg)
	return err
}

// PublishWithContext publishes a message with context support
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	_, _, err := ch.publishInternal(ctx, exchange, routingKey, mandatory, immediate, msg)
	return err
}

// publishInternal is the internal publish implementation. It returns the
// assigned publish sequence number and, when confirms are enabled, the
// confirmManager's own waiter channel for that sequence — registerPending
// is called here and only here, so there is a single waiter per delivery
// tag instead of a caller's hand-rolled one racing a second registration.
func (ch *Channel) publishInternal(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg Publishing) (uint64, chan Confirmation, error) {
	if ch.GetState() != ChannelStateOpen {
		return 0, nil, ErrChannelClosed
	}

	// Encode properties
	propData, err := EncodeProperties(msg.Properties)
	if err != nil {
		return 0, nil, fmt.Errorf("encode properties: %w", err)
	}

	// Build Basic.Publish method
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0) // ticket (deprecated, always 0)
	builder.WriteShortString(exchange)
	builder.WriteShortString(routingKey)
	// Pack flags: mandatory, immediate
	builder.WriteFlags(mandatory, immediate)

	methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassBasic, protocol.MethodBasicPublish, builder.Bytes())

	// Build content header frame
	headerFrame := frame.NewHeaderFrame(ch.id, protocol.ClassBasic, uint64(len(msg.Body)), propData)

	// Build body frames
	bodyFrames := ch.splitBody(msg.Body)

	// Track publish sequence for confirms (before sending)
	// This must be done before sending to ensure proper sequencing
	var seqNo uint64
	var waiter chan Confirmation
	if ch.confirms != nil && ch.confirms.enabled {
		seqNo = ch.nextPublishSeq.Add(1)
		waiter = ch.confirms.registerPending(seqNo)
	}

	// The method, header and body frames of one publish must reach the
	// wire as an unbroken sequence: another channel's frames must never
	// land between them. frameWriter.WriteFrames holds the connection's
	// single write lock for the whole batch, not just one frame.
	frames := make([]*frame.Frame, 0, 2+len(bodyFrames))
	frames = append(frames, methodFrame, headerFrame)
	frames = append(frames, bodyFrames...)

	if err := ch.conn.frameWriter.WriteFrames(frames); err != nil {
		if waiter != nil {
			ch.confirms.mu.Lock()
			ch.confirms.discardLocked(seqNo)
			ch.confirms.mu.Unlock()
		}
		return seqNo, waiter, err
	}

	ch.conn.factory.Metrics.MessagePublished()

	return seqNo, waiter, nil
}

// splitBody splits message body into frames
func (ch *Channel) splitBody(body []byte) []*frame.Frame {
	if len(body) == 0 {
		return []*frame.Frame{}
	}

	maxPayload := int(ch.conn.frameMax - protocol.FrameHeaderSize - protocol.FrameEndSize)
	frameCount := (len(body) + maxPayload - 1) / maxPayload

	frames := make([]*frame.Frame, frameCount)
	offset := 0

	for i := 0; i < frameCount; i++ {
		end := offset + maxPayload
		if end > len(body) {
			end = len(body)
		}

		frames[i] = frame.NewBodyFrame(ch.id, body[offset:end])
		offset = end
	}

	return frames
}

// Consume starts consuming messages from a queue
func (ch *Channel) Consume(queue, consumerTag string, opts ConsumeOptions) (<-chan Delivery, error) {
	if ch.GetState() != ChannelStateOpen {
		return nil, ErrChannelClosed
	}

	// Generate consumer tag if not provided
	if consumerTag == "" {
		consumerTag = generateConsumerTag(queue, ch.id)
	}

	// Create delivery channel
	deliveryChan := make(chan Delivery, 100)

	// Register consumer
	consumer := &consumerState{
		tag:          consumerTag,
		queue:        queue,
		deliveryChan: deliveryChan,
		cancelChan:   make(chan struct{}),
		autoAck:      opts.AutoAck,
		exclusive:    opts.Exclusive,
		noLocal:      opts.NoLocal,
		args:         opts.Args,
	}

	ch.consumerMux.Lock()
	ch.consumers[consumerTag] = consumer
	ch.consumerMux.Unlock()

	// Send Basic.Consume
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0) // ticket (deprecated, always 0)
	builder.WriteShortString(queue)
	builder.WriteShortString(consumerTag)
	// Pack flags: no-local, no-ack, exclusive, no-wait
	builder.WriteFlags(opts.NoLocal, opts.AutoAck, opts.Exclusive, opts.NoWait)
	builder.WriteTable(opts.Args)

	if opts.NoWait {
		methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassBasic, protocol.MethodBasicConsume, builder.Bytes())
		if err := ch.sendFrame(methodFrame); err != nil {
			ch.consumerMux.Lock()
			delete(ch.consumers, consumerTag)
			ch.consumerMux.Unlock()
			return nil, err
		}
	} else {
		method, err := ch.rpcCall(protocol.ClassBasic, protocol.MethodBasicConsume, builder.Bytes())
		if err != nil {
			ch.consumerMux.Lock()
			delete(ch.consumers, consumerTag)
			ch.consumerMux.Unlock()
			return nil, err
		}

		if method.MethodID != protocol.MethodBasicConsumeOk {
			ch.consumerMux.Lock()
			delete(ch.consumers, consumerTag)
			ch.consumerMux.Unlock()
			return nil, ch.failUnexpectedFrame(protocol.ClassBasic, protocol.MethodBasicConsumeOk, method)
		}
	}

	return deliveryChan, nil
}

// BasicGet polls a message from a queue
func (ch *Channel) BasicGet(queue string, autoAck bool) (*GetResponse, bool, error) {
	if ch.GetState() != ChannelStateOpen {
		return nil, false, ErrChannelClosed
	}

	// Send Basic.Get
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(0) // ticket (deprecated, always 0)
	builder.WriteShortString(queue)
	builder.WriteFlags(autoAck) // no-ack flag

	method, err := ch.rpcCall(protocol.ClassBasic, protocol.MethodBasicGet, builder.Bytes())
	if err != nil {
		return nil, false, err
	}

	if method.MethodID != protocol.MethodBasicGetOk && method.MethodID != protocol.MethodBasicGetEmpty {
		return nil, false, ch.failUnexpectedFrame(protocol.ClassBasic, protocol.MethodBasicGetOk, method)
	}

	// The frame-processing goroutine already assembled the full response
	// (or nil, for Basic.Get-Empty) before unblocking rpcCall above.
	response := <-ch.pendingGet
	if response == nil {
		return nil, false, nil
	}

	return response, true, nil
}

// BasicAck acknowledges a delivery
func (ch *Channel) BasicAck(deliveryTag uint64, multiple bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint64(deliveryTag)
	builder.WriteFlags(multiple) // multiple flag

	methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassBasic, protocol.MethodBasicAck, builder.Bytes())
	if err := ch.sendFrame(methodFrame); err != nil {
		return err
	}
	ch.conn.factory.Metrics.MessageAcked()
	return nil
}

// BasicNack negatively acknowledges a delivery
func (ch *Channel) BasicNack(deliveryTag uint64, multiple, requeue bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint64(deliveryTag)
	// Pack flags: multiple, requeue
	builder.WriteFlags(multiple, requeue)

	methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassBasic, protocol.MethodBasicNack, builder.Bytes())
	if err := ch.sendFrame(methodFrame); err != nil {
		return err
	}
	ch.conn.factory.Metrics.MessageNacked()
	return nil
}

// BasicReject rejects a delivery
func (ch *Channel) BasicReject(deliveryTag uint64, requeue bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint64(deliveryTag)
	builder.WriteFlags(requeue) // requeue flag

	methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassBasic, protocol.MethodBasicReject, builder.Bytes())
	if err := ch.sendFrame(methodFrame); err != nil {
		return err
	}
	ch.conn.factory.Metrics.MessageRejected()
	return nil
}

// BasicCancel cancels a consumer
func (ch *Channel) BasicCancel(consumerTag string, noWait bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteShortString(consumerTag)
	builder.WriteFlags(noWait) // no-wait flag

	if noWait {
		methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassBasic, protocol.MethodBasicCancel, builder.Bytes())
		if err := ch.sendFrame(methodFrame); err != nil {
			return err
		}
		ch.cancelConsumerLocal(consumerTag)
		return nil
	}

	method, err := ch.rpcCall(protocol.ClassBasic, protocol.MethodBasicCancel, builder.Bytes())
	if err != nil {
		return err
	}

	if method.MethodID != protocol.MethodBasicCancelOk {
		return ch.failUnexpectedFrame(protocol.ClassBasic, protocol.MethodBasicCancelOk, method)
	}

	ch.cancelConsumerLocal(consumerTag)

	return nil
}

// Qos sets the quality of service (prefetch)
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint32(uint32(prefetchSize))
	builder.WriteUint16(uint16(prefetchCount))
	builder.WriteFlags(global) // global flag

	method, err := ch.rpcCall(protocol.ClassBasic, protocol.MethodBasicQos, builder.Bytes())
	if err != nil {
		return err
	}

	if method.MethodID != protocol.MethodBasicQosOk {
		return ch.failUnexpectedFrame(protocol.ClassBasic, protocol.MethodBasicQosOk, method)
	}

	ch.prefetchCount = prefetchCount
	ch.prefetchSize = prefetchSize
	ch.globalQos = global

	return nil
}

// Close closes the channel
func (ch *Channel) Close() error {
	return ch.CloseWithCode(protocol.ReplySuccess, "channel closed")
}

// GetChannelID returns the channel ID (channel number)
func (ch *Channel) GetChannelID() uint16 {
	return ch.id
}

// CloseWithCode closes the channel with a specific reply code
func (ch *Channel) CloseWithCode(code int, text string) error {
	if ch.GetState() != ChannelStateOpen {
		return nil
	}

	ch.state.Store(int32(ChannelStateClosing))

	// Send Channel.Close
	builder := frame.NewMethodArgsBuilder()
	builder.WriteUint16(uint16(code))
	builder.WriteShortString(text)
	builder.WriteUint16(0) // class-id
	builder.WriteUint16(0) // method-id

	method, err := ch.rpcCall(protocol.ClassChannel, protocol.MethodChannelClose, builder.Bytes())
	if err != nil {
		ch.forceClose()
		return err
	}

	if method.MethodID != protocol.MethodChannelCloseOk {
		return ch.failUnexpectedFrame(protocol.ClassChannel, protocol.MethodChannelCloseOk, method)
	}

	ch.closeOnce.Do(func() {
		ch.state.Store(int32(ChannelStateClosed))

		select {
		case ch.closeChan <- NewError(code, text, false):
		default:
		}

		close(ch.closed)
		ch.cleanup()
	})
	ch.conn.factory.Metrics.ChannelClosed()
	return nil
}

// closeWithError closes the channel with an error
func (ch *Channel) closeWithError(err *Error) {
	ch.closeOnce.Do(func() {
		ch.state.Store(int32(ChannelStateClosed))

		select {
		case ch.closeChan <- err:
		default:
		}

		if ch.conn.factory.ErrorHandler != nil {
			ch.conn.factory.ErrorHandler.HandleChannelError(ch, err)
		}
		ch.conn.factory.Metrics.ChannelError(err)

		close(ch.closed)
		ch.cleanup()
	})
}

// failUnexpectedFrame builds an UnexpectedFrame (505) error for a
// synchronous call that got back a class/method pair other than the one
// it expected, and closes the channel with that error. A mismatched
// reply means the RPC correlation itself can no longer be trusted, so
// the channel is not left open for further calls.
func (ch *Channel) failUnexpectedFrame(expectedClassID, expectedMethodID uint16, actual *frame.Method) *Error {
	err := NewUnexpectedFrameError(expectedClassID, expectedMethodID, actual.ClassID, actual.MethodID)
	ch.closeWithError(err)
	return err
}

// forceClose forcefully closes the channel
func (ch *Channel) forceClose() {
	ch.closeWithError(ErrChannelClosed)
}

// cleanup releases channel resources
func (ch *Channel) cleanup() {
	ch.cleanupConsumers()
	ch.removeFromConnection()
}

// cleanupConsumers cancels all consumers and closes their channels
func (ch *Channel) cleanupConsumers() {
	ch.consumerMux.Lock()
	defer ch.consumerMux.Unlock()

	for tag, consumer := range ch.consumers {
		close(consumer.cancelChan)
		if consumer.callback != nil {
			consumer.callback.HandleShutdown(tag, ErrChannelClosed)
		}
		if consumer.deliveryChan != nil {
			close(consumer.deliveryChan)
		}
	}
	ch.consumers = make(map[string]*consumerState)
}

// removeFromConnection removes the channel from the connection's channel map
func (ch *Channel) removeFromConnection() {
	ch.conn.channelMux.Lock()
	delete(ch.conn.channels, ch.id)
	ch.conn.channelMux.Unlock()
}

// GetState returns the current channel state
func (ch *Channel) GetState() ChannelState {
	return ChannelState(ch.state.Load())
}

// IsClosed returns whether the channel is closed
func (ch *Channel) IsClosed() bool {
	return ch.GetState() == ChannelStateClosed
}

// NotifyClose registers a listener for channel closure
func (ch *Channel) NotifyClose(notifyChan chan *Error) chan *Error {
	go func() {
		err := <-ch.closeChan
		notifyChan <- err
	}()
	return notifyChan
}

// NotifyFlow registers a listener for flow control
func (ch *Channel) NotifyFlow(notifyChan chan bool) chan bool {
	ch.flowChan = notifyChan
	return notifyChan
}

// sendFrame sends a frame on this channel
func (ch *Channel) sendFrame(f *frame.Frame) error {
	return ch.conn.frameWriter.WriteFrame(f)
}

// rpcCall performs an RPC-style method call. The waiter is enqueued
// before the method frame is sent so a reply that arrives immediately
// after the write can never race ahead of its own registration.
//
// rpcWaiters is a plain FIFO with no way to pull a specific waiter back
// out once enqueued, so every exit path other than "got the reply" must
// close the channel: leaving a dead waiter at the head of the queue
// would make deliverRPCResponse hand the next caller's reply to nobody,
// and every RPC after that on this channel misattributes in turn.
func (ch *Channel) rpcCall(classID, methodID uint16, args []byte) (*frame.Method, error) {
	waiter := make(chan *frame.Method, 1)

	ch.rpcMux.Lock()
	ch.rpcWaiters.Enqueue(waiter)
	ch.rpcMux.Unlock()

	// Send method frame
	methodFrame := frame.NewMethodFrame(ch.id, classID, methodID, args)
	if err := ch.sendFrame(methodFrame); err != nil {
		sendErr := NewError(protocol.ReplyInternalError, fmt.Sprintf("failed to send %d.%d: %v", classID, methodID, err), false)
		ch.closeWithError(sendErr)
		return nil, sendErr
	}

	// Wait for response with timeout
	select {
	case response := <-waiter:
		return response, nil
	case <-ch.closed:
		return nil, ErrChannelClosed
	case <-time.After(10 * time.Second):
		timeoutErr := NewError(protocol.ReplyInternalError, fmt.Sprintf("RPC call timeout: %d.%d", classID, methodID), false)
		ch.closeWithError(timeoutErr)
		return nil, timeoutErr
	}
}

// deliverRPCResponse hands a method response to the oldest outstanding
// RPC waiter, preserving the broker's FIFO reply order per channel.
func (ch *Channel) deliverRPCResponse(method *frame.Method) error {
	ch.rpcMux.Lock()
	waiterPtr := ch.rpcWaiters.Dequeue()
	ch.rpcMux.Unlock()

	if waiterPtr == nil {
		return fmt.Errorf("unexpected method: %d.%d with no waiters", method.ClassID, method.MethodID)
	}

	(*waiterPtr) <- method
	return nil
}
