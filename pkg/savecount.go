package acute

// savecount.go computes how many checkpoint cycles a run will perform. Every
// worker in the pipeline — copier, sender, receivers, flusher, master — loops
// exactly this many times and then exits, which is what makes the whole
// system lifecycle-finite.

// CalculateSaveCount returns the number of save points in
// {1, 1+P, 1+2P, ...} that fall inside [startEpoch, totalEpochs].
func CalculateSaveCount(startEpoch, totalEpochs, savePeriod int) int {
	count := 0
	for p := 1; p <= totalEpochs; p += savePeriod {
		if p >= startEpoch {
			count++
		}
	}
	return count
}
