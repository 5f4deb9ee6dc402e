package pgwire

// TxStatus is the single status byte carried by a ReadyForQuery frame.
type TxStatus byte

const (
	TxIdle          TxStatus = 'I' // idle, not in a transaction
	TxInTransaction TxStatus = 'T' // in a transaction block
	TxFailed        TxStatus = 'E' // in a failed transaction block
)
