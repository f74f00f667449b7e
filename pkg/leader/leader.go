package leader

import (
	"context"
	"os"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/yowenter/fleetd/pkg/types"
	"github.com/yowenter/fleetd/pkg/utils"
)

// Job is a background task that must run on exactly one replica, such as
// the seed watcher or the record metrics collector.
type Job func(ctx context.Context)

func identity() string {
	// pod name, or a random id outside kubernetes
	if id := os.Getenv("HOSTNAME"); id != "" {
		return id
	}
	return uuid.NewString()
}

// RunJobs starts jobs once this replica is allowed to run them. With election
// disabled that is immediately; otherwise it is when the lease is acquired,
// and jobs are cancelled if it is lost. RunJobs blocks until ctx is done.
func RunJobs(ctx context.Context, electOps *types.ElectionOption, jobs ...Job) error {
	start := func(ctx context.Context) {
		for _, job := range jobs {
			go job(ctx)
		}
		<-ctx.Done()
	}

	if !electOps.Enabled {
		log.Info("leader election disabled, running background jobs")
		start(ctx)
		return nil
	}

	client, err := utils.NewK8sClient(utils.InCluster())
	if err != nil {
		return err
	}
	return RunWithLease(ctx, client, electOps, start)
}

// https://github.com/kubernetes-retired/contrib/pull/353/files

func RunWithLease(ctx context.Context, client kubernetes.Interface, electOps *types.ElectionOption, runner func(ctx context.Context)) error {
	identityKey := identity()
	log.Infof("Trying to acquire leader lock %s/%s with identity %s", electOps.Namespace, electOps.Name, identityKey)

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      electOps.Name,
			Namespace: electOps.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: identityKey,
		},
	}

	le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   electOps.LeaseDuration,
		RenewDeadline:   electOps.LeaseDuration / 2,
		RetryPeriod:     electOps.LeaseDuration / 10,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				log.Info("leadership start..")
				runner(ctx)
			},
			OnStoppedLeading: func() {
				log.Warn("leadership lost!")
			},
			OnNewLeader: func(id string) {
				if id != identityKey {
					log.Infof("current leader is %s", id)
				}
			},
		},
	})
	if err != nil {
		return err
	}

	// Run returns when leadership is lost; campaign again until ctx is done.
	for ctx.Err() == nil {
		le.Run(ctx)
	}
	return nil
}
