package shared

import "fmt"

// BackpayBatchKey builds the redis key holding bulk process progress.
func BackpayBatchKey(batchID string) string {
	return fmt.Sprintf("backpay:batch:%s", batchID)
}

// BackpayBatchErrorsKey builds the redis key holding the ordered per-item error list.
func BackpayBatchErrorsKey(batchID string) string {
	return fmt.Sprintf("backpay:batch:%s:errors", batchID)
}

// BackpayBatchCancelKey builds the redis key flagging a cancellation request.
func BackpayBatchCancelKey(batchID string) string {
	return fmt.Sprintf("backpay:batch:%s:cancel", batchID)
}

// IdempotencyKey namespaces idempotency keys per module.
func IdempotencyKey(module, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", module, key)
}

// EmployeeLockID derives the advisory lock id guarding one employee's backpay windows.
func EmployeeLockID(employeeID int64) int64 {
	const backpayNamespace = int64(0x42500000) << 32
	return backpayNamespace | (employeeID & 0xffffffff)
}

// BackpayBatchItemsKey builds the redis key holding the ordered request ids of a batch.
func BackpayBatchItemsKey(batchID string) string {
	return fmt.Sprintf("backpay:batch:%s:items", batchID)
}
