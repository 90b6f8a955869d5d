// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package trainlaunch launches a two-phase distributed training job
	(unsupervised pre-training followed by a linear-classification phase
	that consumes the pre-trained checkpoint) on a shared, preemptible
	cluster scheduler.

	A launch proceeds in a fixed order:

		stage       copy and unpack the dataset onto fast local storage
		rendezvous  pick the master address and port shared by all ranks
		resume      decide whether this invocation resumes a checkpoint
		pretrain    launch the training program, one process per node
		lincls      launch the classifier phase from the pretrain checkpoint
		archive     mirror the checkpoint directory to durable storage

	Every step is configured through a single immutable Job, which is
	derived once from the scheduler's environment (see FromEnv) and
	threaded explicitly through the packages that implement each step:
	stage, rendezvous, resume, launch and mirror.

	The training program itself is a black box: trainlaunch only
	supplies it with a dataset directory, a rendezvous endpoint, a rank,
	and a checkpoint directory, and observes its exit status. Retrying a
	failed or preempted job is left to the scheduler; on re-invocation,
	the checkpoint directory (a fixed path across restarts) is how a job
	picks up where it left off.
*/
package trainlaunch
