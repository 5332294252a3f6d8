package comm

// election.go derives checkpoint roles from the gathered local ranks and
// publishes the environment the external training collective reads.
//
// The highest world rank is the remote sink by convention; it never trains
// and never leads a shard. Every other rank whose launcher-assigned local
// rank is 0 is a shard leader, numbered densely in world-rank order.
//
// © 2025 ACUTE authors. MIT License.

import (
	"fmt"
	"os"
)

// ShardLeaders scans the all-gathered local ranks and returns the world ranks
// of all shard leaders, in rank order. All non-remote ranks are considered
// uniformly; only the remote sink (the last rank) is excluded.
func ShardLeaders(localRanks []int32) []int {
	leaders := make([]int, 0, len(localRanks))
	for r := 0; r < len(localRanks)-1; r++ {
		if localRanks[r] == 0 {
			leaders = append(leaders, r)
		}
	}
	return leaders
}

// ShardRankOf returns the dense shard rank of world rank r, or -1 when r is
// not a shard leader.
func ShardRankOf(leaders []int, r int) int {
	for i, w := range leaders {
		if w == r {
			return i
		}
	}
	return -1
}

// LocalRank reads the launcher-provided per-host rank of this process.
func LocalRank() (int, error) {
	return intEnv(EnvLocalRank)
}

// PublishTrainingEnv exports the variables the external training collective
// and the checkpoint layer agree on. WORLD_SIZE deliberately excludes the
// remote sink: it does not participate in training collectives.
func PublishTrainingEnv(rank, size, localRank, shardRank int, masterAddr, masterPort string) error {
	vars := map[string]string{
		"LOCAL_RANK":  fmt.Sprintf("%d", localRank),
		"RANK":        fmt.Sprintf("%d", rank),
		"WORLD_SIZE":  fmt.Sprintf("%d", size-1),
		"MASTER_ADDR": masterAddr,
		"MASTER_PORT": masterPort,
		"SHARD_RANK":  fmt.Sprintf("%d", shardRank),
	}
	for k, v := range vars {
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("comm: set %s: %w", k, err)
		}
	}
	return nil
}
