/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package leaderelection implements Lease-based leader election using the
// coordination.k8s.io/v1 Lease API, ensuring only one controller replica
// actively watches and restarts deployments at a time.
//
// Grounded on original_source/controller/src/leader.py's LeaseLeaderElector.
// client-go's tools/leaderelection package is not used: it does not expose
// the "hold leadership through a failed renew until renew_deadline elapses"
// state machine this controller needs, so the acquire/renew/hold/release
// protocol is hand-rolled the way the original does it, translated into
// Go's typed CoordinationV1 client.
package leaderelection

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	coordv1client "k8s.io/client-go/kubernetes/typed/coordination/v1"

	"github.com/shipshape-io/reload-controller/internal/telemetry"
)

// Elector runs the acquire/renew/hold/release lease protocol for a single
// namespace/lease-name pair.
type Elector struct {
	leases               coordv1client.LeaseInterface
	namespace            string
	leaseName            string
	identity             string
	leaseDurationSeconds int
	renewDeadlineSeconds int
	retryPeriodSeconds   int

	log     logr.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	isLeader bool
}

// New constructs an Elector. It returns an error on invalid timing
// parameters the same way the original constructor raises ValueError —
// these are operator configuration errors, never runtime conditions.
func New(
	leases coordv1client.LeaseInterface,
	namespace, leaseName, identity string,
	leaseDurationSeconds, renewDeadlineSeconds, retryPeriodSeconds int,
	log logr.Logger,
	metrics *telemetry.Metrics,
) (*Elector, error) {
	if leaseDurationSeconds < 1 {
		return nil, errors.New("lease duration seconds must be >= 1")
	}
	if renewDeadlineSeconds < 1 {
		return nil, errors.New("renew deadline seconds must be >= 1")
	}
	if retryPeriodSeconds < 0 {
		return nil, errors.New("retry period seconds must be >= 0")
	}
	if renewDeadlineSeconds >= leaseDurationSeconds {
		return nil, errors.New("renew deadline seconds must be smaller than lease duration seconds")
	}
	if retryPeriodSeconds >= renewDeadlineSeconds {
		return nil, errors.New("retry period seconds must be smaller than renew deadline seconds")
	}
	return &Elector{
		leases:               leases,
		namespace:            namespace,
		leaseName:            leaseName,
		identity:             identity,
		leaseDurationSeconds: leaseDurationSeconds,
		renewDeadlineSeconds: renewDeadlineSeconds,
		retryPeriodSeconds:   retryPeriodSeconds,
		log:                  log,
		metrics:              metrics,
		now:                  time.Now,
	}, nil
}

// IsLeader reports whether this process currently believes it holds the
// lease. Only meaningful while Run is executing.
func (el *Elector) IsLeader() bool {
	return el.isLeader
}

// Run blocks acquiring and renewing the lease, invoking onStartedLeading
// when leadership is gained and onStoppedLeading when it is lost or
// voluntarily released on stop. It returns once stop fires and any held
// lease has been released.
func (el *Elector) Run(ctx context.Context, onStartedLeading, onStoppedLeading func(), stop <-chan struct{}) {
	el.log.Info("starting leader election", "lease", el.leaseName, "identity", el.identity)

	acquireWaitStarted := time.Now()
	lastRenewSuccess := acquireWaitStarted
	el.metrics.LeaderState.Set(0)

	for {
		acquired := el.tryAcquireOrRenew(ctx)

		switch {
		case acquired && !el.isLeader:
			el.isLeader = true
			el.log.Info("became leader", "identity", el.identity)
			el.metrics.LeaderState.Set(1)
			el.metrics.LeaderTransitionsTotal.WithLabelValues("acquired").Inc()
			acquiredAt := time.Now()
			lastRenewSuccess = acquiredAt
			el.metrics.LeaderAcquireLatencySeconds.Observe(acquiredAt.Sub(acquireWaitStarted).Seconds())
			onStartedLeading()

		case acquired && el.isLeader:
			lastRenewSuccess = time.Now()

		case !acquired && el.isLeader:
			elapsed := time.Since(lastRenewSuccess)
			if elapsed < time.Duration(el.renewDeadlineSeconds)*time.Second {
				el.log.Info("lease renewal failed; holding leadership",
					"renewDeadlineSeconds", el.renewDeadlineSeconds, "elapsedSeconds", elapsed.Seconds())
			} else {
				el.isLeader = false
				el.log.Info("lost leader lease without successful renewal", "elapsedSeconds", elapsed.Seconds())
				el.metrics.LeaderState.Set(0)
				el.metrics.LeaderTransitionsTotal.WithLabelValues("lost").Inc()
				acquireWaitStarted = time.Now()
				onStoppedLeading()
			}
		}

		select {
		case <-stop:
			if el.isLeader {
				el.releaseLease(ctx)
				el.isLeader = false
				el.metrics.LeaderState.Set(0)
				el.metrics.LeaderTransitionsTotal.WithLabelValues("lost").Inc()
				onStoppedLeading()
			}
			return
		case <-time.After(el.retryPeriod()):
		}
	}
}

func (el *Elector) retryPeriod() time.Duration {
	return time.Duration(el.retryPeriodSeconds) * time.Second
}

// tryAcquireOrRenew performs a single acquire-or-renew cycle. Returns true
// on success (lease now reflects this identity as holder with a fresh
// renewTime).
func (el *Elector) tryAcquireOrRenew(ctx context.Context) bool {
	now := el.now().UTC()

	lease, err := el.leases.Get(ctx, el.leaseName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return el.createLease(ctx, now)
		}
		el.log.Error(err, "failed to read lease", "lease", el.leaseName)
		return false
	}

	if lease.Spec.HolderIdentity == nil {
		return el.updateLease(ctx, lease, now)
	}
	if *lease.Spec.HolderIdentity == el.identity {
		return el.updateLease(ctx, lease, now)
	}

	duration := el.leaseDurationSeconds
	if lease.Spec.LeaseDurationSeconds != nil {
		duration = int(*lease.Spec.LeaseDurationSeconds)
	}
	if lease.Spec.RenewTime != nil {
		elapsed := now.Sub(lease.Spec.RenewTime.Time)
		if elapsed < time.Duration(duration)*time.Second {
			return false
		}
	}

	return el.updateLease(ctx, lease, now)
}

func (el *Elector) createLease(ctx context.Context, now time.Time) bool {
	identity := el.identity
	duration := int32(el.leaseDurationSeconds)
	metaTime := metav1.NewMicroTime(now)
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: el.leaseName, Namespace: el.namespace},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       &identity,
			LeaseDurationSeconds: &duration,
			AcquireTime:          &metaTime,
			RenewTime:            &metaTime,
		},
	}
	_, err := el.leases.Create(ctx, lease, metav1.CreateOptions{})
	if err == nil {
		el.log.Info("acquired leader lease", "lease", el.leaseName)
		return true
	}
	if apierrors.IsAlreadyExists(err) {
		return false
	}
	el.log.Error(err, "failed to create lease", "lease", el.leaseName)
	return false
}

func (el *Elector) updateLease(ctx context.Context, lease *coordinationv1.Lease, now time.Time) bool {
	previousHolder := lease.Spec.HolderIdentity
	identity := el.identity
	duration := int32(el.leaseDurationSeconds)
	metaTime := metav1.NewMicroTime(now)

	lease.Spec.HolderIdentity = &identity
	lease.Spec.RenewTime = &metaTime
	lease.Spec.LeaseDurationSeconds = &duration
	if lease.Spec.AcquireTime == nil || previousHolder == nil || *previousHolder != el.identity {
		lease.Spec.AcquireTime = &metaTime
	}

	_, err := el.leases.Update(ctx, lease, metav1.UpdateOptions{})
	if err == nil {
		return true
	}
	if apierrors.IsConflict(err) {
		return false
	}
	el.log.Error(err, "failed to update lease", "lease", el.leaseName)
	return false
}

// releaseLease clears holderIdentity so the next replica can take over
// immediately instead of waiting out the full lease duration.
func (el *Elector) releaseLease(ctx context.Context) {
	lease, err := el.leases.Get(ctx, el.leaseName, metav1.GetOptions{})
	if err != nil {
		el.log.Error(err, "failed to release leader lease", "lease", el.leaseName)
		return
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != el.identity {
		return
	}
	lease.Spec.HolderIdentity = nil
	if _, err := el.leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		el.log.Error(err, "failed to release leader lease", "lease", el.leaseName)
		return
	}
	el.log.Info("released leader lease", "lease", el.leaseName)
}
