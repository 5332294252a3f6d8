// Package acute is a checkpoint offload fabric for distributed training.
// Each training host's shard leader serializes the model snapshot, slices out
// its shard, and streams it to a dedicated remote peer, which re-assembles
// the shards and persists them durably in parallel with ongoing training.
//
// Every peer of the world calls Init identically. The highest-numbered rank
// becomes the remote sink and never returns from Init: it runs the receive
// and flush pipeline for the whole run and then exits the process. All other
// ranks get a Trainer whose Save hands a snapshot to the pipeline once per
// save cycle.
//
// Minimal trainer-side usage:
//
//	_, trainer, _, err := acute.Init(cfg, acute.WithLogger(logger))
//	...
//	for epoch := 1; epoch <= totalEpochs; epoch++ {
//		train(model)
//		if (epoch-1)%savePeriod == 0 {
//			trainer.Save(snapshotOf(model, epoch))
//		}
//	}
//	trainer.Wait()
//	trainer.Shutdown()
//
// © 2025 ACUTE authors. MIT License.
package acute

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/acuteteam/acute/internal/comm"
)

// Transport is the fabric handle returned by Init. It exposes the rank-level
// surface (Rank, Size, ProcessorName, Send/Recv, SendObject/RecvObject,
// AllGatherInt32) for user-level messaging alongside the checkpoint stream.
type Transport = comm.Communicator

// Init wires a process into the checkpoint fabric. It validates the
// configuration, establishes the rank mesh, elects roles via an all-gather of
// local ranks, and constructs the node for this rank's role.
//
// On trainer ranks Init returns (transport, trainer, nil, nil); the trainer's
// workers are already running when cfg.TrainNodeAutoStart is set. On the
// remote sink Init does not return: it runs the remote node through all save
// cycles and exits the process.
func Init(cfg Config, opts ...Option) (*Transport, *Trainer, *Remote, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	log := o.logger

	if err := cfg.validate(); err != nil {
		return nil, nil, nil, err
	}

	startEpoch := cfg.StartingEpoch
	if cfg.SnapshotPath != "" {
		if _, err := os.Stat(cfg.SnapshotPath); err != nil {
			return nil, nil, nil, fmt.Errorf("acute: resume snapshot: %w", err)
		}
		epoch, err := o.serializer.ReadEpoch(cfg.SnapshotPath)
		if err != nil {
			return nil, nil, nil, err
		}
		startEpoch = epoch + 1
	}

	tr, err := comm.FromEnv(log)
	if err != nil {
		return nil, nil, nil, err
	}
	localRank, err := comm.LocalRank()
	if err != nil {
		tr.Close()
		return nil, nil, nil, err
	}
	gathered, err := tr.AllGatherInt32(int32(localRank))
	if err != nil {
		tr.Close()
		return nil, nil, nil, fmt.Errorf("acute: shard-leader election: %w", err)
	}
	leaders := comm.ShardLeaders(gathered)
	if cfg.ShardSize > len(leaders) {
		tr.Close()
		return nil, nil, nil, fmt.Errorf("%w (input: %d, max: %d)",
			ErrShardSizeTooLarge, cfg.ShardSize, len(leaders))
	}

	saveCount := CalculateSaveCount(startEpoch, cfg.TotalEpochs, cfg.SavePeriod)
	metrics := newMetricsSink(o.registry)

	if tr.Rank() == tr.Size()-1 {
		remote := newRemote(tr, cfg, o, metrics, saveCount, leaders)
		if err := remote.Start(); err != nil {
			log.Fatal("remote sink start failed", zap.Error(err))
		}
		if err := remote.Run(); err != nil {
			log.Fatal("remote sink failed", zap.Error(err))
		}
		tr.Close()
		os.Exit(0)
	}

	shardRank := comm.ShardRankOf(leaders, tr.Rank())
	err = comm.PublishTrainingEnv(tr.Rank(), tr.Size(), localRank, shardRank,
		cfg.TrainingMasterAddr, cfg.TrainingMasterPort)
	if err != nil {
		tr.Close()
		return nil, nil, nil, err
	}
	if err := o.collective.Init(tr.Rank(), tr.Size()-1); err != nil {
		tr.Close()
		return nil, nil, nil, fmt.Errorf("acute: training collective: %w", err)
	}
	if o.deviceBinder != nil {
		if err := o.deviceBinder(localRank); err != nil {
			tr.Close()
			return nil, nil, nil, fmt.Errorf("acute: device binding: %w", err)
		}
	}

	trainer := newTrainer(tr, o, metrics, saveCount, shardRank, cfg.ShardSize)
	if cfg.TrainNodeAutoStart {
		if err := trainer.Start(); err != nil {
			tr.Close()
			return nil, nil, nil, err
		}
	} else {
		log.Warn("train node auto-start disabled; call Trainer.Start before training")
	}
	return tr, trainer, nil, nil
}
