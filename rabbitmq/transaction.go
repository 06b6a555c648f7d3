package rabbitmq

import (
	"fmt"

	"github.com/lucent-systems/amqp-go-client/internal/frame"
	"github.com/lucent-systems/amqp-go-client/internal/protocol"
)

// TxSelect puts the channel into transaction mode
func (ch *Channel) TxSelect() error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	builder := frame.NewMethodArgsBuilder()
	method, err := ch.rpcCall(protocol.ClassTx, protocol.MethodTxSelect, builder.Bytes())
	if err != nil {
		return err
	}

	if method.MethodID != protocol.MethodTxSelectOk {
		return ch.failUnexpectedFrame(protocol.ClassTx, protocol.MethodTxSelectOk, method)
	}

	ch.txMode.Store(true)
	return nil
}

// TxCommit commits the current transaction
func (ch *Channel) TxCommit() error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	if !ch.txMode.Load() {
		return fmt.Errorf("channel not in transaction mode")
	}

	builder := frame.NewMethodArgsBuilder()
	method, err := ch.rpcCall(protocol.ClassTx, protocol.MethodTxCommit, builder.Bytes())
	if err != nil {
		return err
	}

	if method.MethodID != protocol.MethodTxCommitOk {
		return ch.failUnexpectedFrame(protocol.ClassTx, protocol.MethodTxCommitOk, method)
	}

	return nil
}

// TxRollback rolls back the current transaction
func (ch *Channel) TxRollback() error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	if !ch.txMode.Load() {
		return fmt.Errorf("channel not in transaction mode")
	}

	builder := frame.NewMethodArgsBuilder()
	method, err := ch.rpcCall(protocol.ClassTx, protocol.MethodTxRollback, builder.Bytes())
	if err != nil {
		return err
	}

	if method.MethodID != protocol.MethodTxRollbackOk {
		return ch.failUnexpectedFrame(protocol.ClassTx, protocol.MethodTxRollbackOk, method)
	}

	return nil
}
