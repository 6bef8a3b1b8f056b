package coord

import "strconv"

// Key prefixes. These are the external contract with anything else reading the
// same Redis database, so they never change shape.
const (
	LockPrefix          = "lock:"
	IDPrefix            = "icr:"
	ShopCachePrefix     = "cache:shop:"
	ShopTypeCachePrefix = "cache:shopType:"
	VoucherCachePrefix  = "cache:seckillVoucher:"
	ShopLockPrefix      = "shop:"
	VoucherLockPrefix   = "seckillVoucher:"
	OrderLockPrefix     = "order:"
	StockPrefix         = "seckill:stock:"
	OrderSetPrefix      = "seckill:order:"
	OrderStream         = "stream.orders"
)

// StockKey is the provisional stock counter of a voucher.
func StockKey(voucherID int64) string {
	return StockPrefix + strconv.FormatInt(voucherID, 10)
}

// OrderSetKey is the set of buyers already admitted for a voucher.
func OrderSetKey(voucherID int64) string {
	return OrderSetPrefix + strconv.FormatInt(voucherID, 10)
}

// OrderLockResource is the lock resource serialising one buyer's orders.
func OrderLockResource(buyerID int64) string {
	return OrderLockPrefix + strconv.FormatInt(buyerID, 10)
}

// DeadLetterStream names the stream that receives poison tickets.
func DeadLetterStream(stream string) string {
	return stream + ".dlq"
}
