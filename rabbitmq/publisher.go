package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucent-systems/amqp-go-client/internal/frame"
	"github.com/lucent-systems/amqp-go-client/internal/protocol"
)

// Confirmation represents a publish confirmation (ack or nack)
type Confirmation struct {
	DeliveryTag uint64
	Ack         bool // true for ack, false for nack
}

// ConfirmListener provides a callback-based confirm interface
type ConfirmListener interface {
	HandleAck(deliveryTag uint64, multiple bool)
	HandleNack(deliveryTag uint64, multiple bool)
}

// confirmManager manages publisher confirms
type confirmManager struct {
	enabled bool
	mu      sync.RWMutex
	drained *sync.Cond

	// Pending confirmations indexed by delivery tag
	pending map[uint64]chan Confirmation

	// Notification channels
	listeners []chan Confirmation

	// Callback listeners
	callbacks []ConfirmListener

	// Last confirmed delivery tag (for tracking multiple confirmations)
	lastConfirmed uint64

	// windowNacked is true if any nack has landed since unconfirmed last
	// transitioned from empty to non-empty. wait_for_confirms reports this
	// back to the caller instead of just "did it time out".
	windowNacked bool
}

// newConfirmManager creates a new confirm manager
func newConfirmManager() *confirmManager {
	cm := &confirmManager{
		enabled:   false,
		pending:   make(map[uint64]chan Confirmation),
		listeners: make([]chan Confirmation, 0),
		callbacks: make([]ConfirmListener, 0),
	}
	cm.drained = sync.NewCond(&cm.mu)
	return cm
}

// resolveLocked removes tag from the unconfirmed set, broadcasting to any
// wait_for_confirms waiters once the set drains to empty. Caller holds
// cm.mu.
func (cm *confirmManager) resolveLocked(tag uint64, ack bool) {
	if !ack {
		cm.windowNacked = true
	}
	cm.discardLocked(tag)
}

// discardLocked drops tag from the unconfirmed set without affecting
// windowNacked, for local cancellations (publish error, client timeout)
// rather than broker replies. Caller holds cm.mu.
func (cm *confirmManager) discardLocked(tag uint64) {
	delete(cm.pending, tag)
	if len(cm.pending) == 0 {
		cm.drained.Broadcast()
	}
}

// waitDrained blocks until the unconfirmed set is empty or timeout
// elapses, returning false on timeout.
func (cm *confirmManager) waitDrained(timeout time.Duration) bool {
	timer := time.AfterFunc(timeout, func() {
		cm.mu.Lock()
		cm.drained.Broadcast()
		cm.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)

	cm.mu.Lock()
	defer cm.mu.Unlock()

	for len(cm.pending) > 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		cm.drained.Wait()
	}
	return true
}

// handleAck processes a Basic.Ack confirmation
func (cm *confirmManager) handleAck(deliveryTag uint64, multiple bool) {
	cm.mu.Lock()

	if multiple {
		for tag, waiter := range cm.pending {
			if tag > cm.lastConfirmed && tag <= deliveryTag {
				if waiter != nil {
					select {
					case waiter <- Confirmation{DeliveryTag: tag, Ack: true}:
					default:
					}
				}
				cm.resolveLocked(tag, true)
			}
		}

		for tag := cm.lastConfirmed + 1; tag <= deliveryTag; tag++ {
			for _, listener := range cm.listeners {
				select {
				case listener <- Confirmation{DeliveryTag: tag, Ack: true}:
				default:
				}
			}
		}

		cm.lastConfirmed = deliveryTag
	} else {
		if waiter, exists := cm.pending[deliveryTag]; exists {
			if waiter != nil {
				select {
				case waiter <- Confirmation{DeliveryTag: deliveryTag, Ack: true}:
				default:
				}
			}
			cm.resolveLocked(deliveryTag, true)
		}

		for _, listener := range cm.listeners {
			select {
			case listener <- Confirmation{DeliveryTag: deliveryTag, Ack: true}:
			default:
			}
		}

		if deliveryTag > cm.lastConfirmed {
			cm.lastConfirmed = deliveryTag
		}
	}

	cm.mu.Unlock()

	for _, callback := range cm.callbacks {
		go callback.HandleAck(deliveryTag, multiple)
	}
}

// handleNack processes a Basic.Nack confirmation
func (cm *confirmManager) handleNack(deliveryTag uint64, multiple bool) {
	cm.mu.Lock()

	if multiple {
		for tag, waiter := range cm.pending {
			if tag > cm.lastConfirmed && tag <= deliveryTag {
				if waiter != nil {
					select {
					case waiter <- Confirmation{DeliveryTag: tag, Ack: false}:
					default:
					}
				}
				cm.resolveLocked(tag, false)
			}
		}

		for tag := cm.lastConfirmed + 1; tag <= deliveryTag; tag++ {
			for _, listener := range cm.listeners {
				select {
				case listener <- Confirmation{DeliveryTag: tag, Ack: false}:
				default:
				}
			}
		}

		cm.lastConfirmed = deliveryTag
	} else {
		if waiter, exists := cm.pending[deliveryTag]; exists {
			if waiter != nil {
				select {
				case waiter <- Confirmation{DeliveryTag: deliveryTag, Ack: false}:
				default:
				}
			}
			cm.resolveLocked(deliveryTag, false)
		} else {
			// Nacked before we ever saw it as pending (shouldn't happen,
			// but keep the window flag honest either way).
			cm.windowNacked = true
		}

		for _, listener := range cm.listeners {
			select {
			case listener <- Confirmation{DeliveryTag: deliveryTag, Ack: false}:
			default:
			}
		}

		if deliveryTag > cm.lastConfirmed {
			cm.lastConfirmed = deliveryTag
		}
	}

	cm.mu.Unlock()

	for _, callback := range cm.callbacks {
		go callback.HandleNack(deliveryTag, multiple)
	}
}

// registerPending records that deliveryTag is now awaiting a broker
// reply. If the unconfirmed set was empty, this opens a new drain window
// for wait_for_confirms.
func (cm *confirmManager) registerPending(deliveryTag uint64) chan Confirmation {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if len(cm.pending) == 0 {
		cm.windowNacked = false
	}

	waiter := make(chan Confirmation, 1)
	cm.pending[deliveryTag] = waiter
	return waiter
}

// addListener adds a notification channel
func (cm *confirmManager) addListener(listener chan Confirmation) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.listeners = append(cm.listeners, listener)
}

// addCallback adds a callback listener
func (cm *confirmManager) addCallback(callback ConfirmListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.callbacks = append(cm.callbacks, callback)
}

// ConfirmSelect enables publisher confirms on this channel. It is a no-op
// if the channel is already in confirm mode.
func (ch *Channel) ConfirmSelect(noWait bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	// Initialize confirm manager if needed
	if ch.confirms == nil {
		ch.confirms = newConfirmManager()
	}

	if ch.confirms.enabled {
		return nil
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteFlags(noWait) // no-wait flag

	if noWait {
		methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassConfirm, protocol.MethodConfirmSelect, builder.Bytes())
		if err := ch.sendFrame(methodFrame); err != nil {
			return err
		}
		ch.confirms.enabled = true
		ch.nextPublishSeq.Store(0) // Start at 0, first publish will increment to 1
		return nil
	}

	method, err := ch.rpcCall(protocol.ClassConfirm, protocol.MethodConfirmSelect, builder.Bytes())
	if err != nil {
		return err
	}

	if method.MethodID != protocol.MethodConfirmSelectOk {
		return ch.failUnexpectedFrame(protocol.ClassConfirm, protocol.MethodConfirmSelectOk, method)
	}

	ch.confirms.enabled = true
	ch.nextPublishSeq.Store(0) // Start at 0, first publish will increment to 1

	return nil
}

// NotifyPublish registers a channel to receive publish confirmations
func (ch *Channel) NotifyPublish(confirmChan chan Confirmation) chan Confirmation {
	if ch.confirms == nil {
		ch.confirms = newConfirmManager()
	}

	ch.confirms.addListener(confirmChan)
	return confirmChan
}

// AddConfirmListener adds a callback-based confirm listener
func (ch *Channel) AddConfirmListener(listener ConfirmListener) {
	if ch.confirms == nil {
		ch.confirms = newConfirmManager()
	}

	ch.confirms.addCallback(listener)
}

// WaitForConfirms blocks until every confirmation published on this
// channel up to now has been resolved by the broker, or timeout elapses.
// The returned bool is true iff no nack landed during the drain window
// (and true at once when nothing is outstanding); the error is non-nil
// on timeout or when confirms are not enabled on the channel.
func (ch *Channel) WaitForConfirms(timeout time.Duration) (bool, error) {
	if ch.confirms == nil || !ch.confirms.enabled {
		return false, fmt.Errorf("publisher confirms not enabled")
	}

	ch.confirms.mu.Lock()
	alreadyEmpty := len(ch.confirms.pending) == 0
	ch.confirms.mu.Unlock()
	if alreadyEmpty {
		return true, nil
	}

	if !ch.confirms.waitDrained(timeout) {
		return false, fmt.Errorf("timeout waiting for confirmations")
	}

	ch.confirms.mu.Lock()
	nacked := ch.confirms.windowNacked
	ch.confirms.mu.Unlock()

	return !nacked, nil
}

// WaitForConfirmsOrDie waits for confirmations and panics on timeout or
// if any message in the drain window was nacked.
func (ch *Channel) WaitForConfirmsOrDie(timeout time.Duration) {
	ok, err := ch.WaitForConfirms(timeout)
	if err != nil {
		panic(err)
	}
	if !ok {
		panic(fmt.Errorf("one or more messages were nacked by the broker"))
	}
}

// PublishWithConfirm publishes a message and waits for confirmation. The
// publish sequence and its confirmation waiter both come back from
// publishInternal's own registerPending call; there is no separate
// registration here to fall out of sync with it.
func (ch *Channel) PublishWithConfirm(exchange, routingKey string, mandatory, immediate bool, msg Publishing, timeout time.Duration) error {
	if ch.confirms == nil || !ch.confirms.enabled {
		if err := ch.ConfirmSelect(true); err != nil {
			return err
		}
	}

	seqNo, waiter, err := ch.publishInternal(context.Background(), exchange, routingKey, mandatory, immediate, msg)
	if err != nil {
		return err
	}

	if waiter == nil {
		return fmt.Errorf("publisher confirms not enabled")
	}

	// Wait for confirmation
	select {
	case conf := <-waiter:
		if !conf.Ack {
			return fmt.Errorf("message nacked by broker")
		}
		return nil
	case <-time.After(timeout):
		ch.confirms.mu.Lock()
		ch.confirms.discardLocked(seqNo)
		ch.confirms.mu.Unlock()
		return fmt.Errorf("confirmation timeout")
	}
}
