package uploads

// partSizeIncrement rounds computed part sizes up to a whole MiB so part
// boundaries stay aligned for the object store.
const partSizeIncrement int64 = 1 << 20

// ComputeParts derives the part size and part count for a transfer. The part
// size starts at the provider floor and grows only when the file would
// otherwise exceed the maximum part count.
func ComputeParts(totalSize, minPartSize int64, maxParts int) (partSize int64, totalParts int) {
	partSize = minPartSize
	if needed := ceilDiv(totalSize, int64(maxParts)); needed > partSize {
		partSize = ceilDiv(needed, partSizeIncrement) * partSizeIncrement
	}
	totalParts = int(ceilDiv(totalSize, partSize))
	return partSize, totalParts
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
