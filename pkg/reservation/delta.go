package reservation

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/consent"
)

// Resolver maps a decrypted national id to a single patient key.
type Resolver interface {
	FindPatientKeyByIdentifier(nationalID string) (string, bool)
}

type NewReservation struct {
	PatientKey string
	EventTime  time.Time
}

type Delta struct {
	New        []NewReservation
	Withdrawn  []string
	Unresolved int
	// Remote is the number of resolved patients reserved in the remote feed.
	Remote int
}

// ComputeDelta compares the remote reservation feed with the latest local
// state. It has no side effects besides logging, and its output is sorted by
// patient key.
func ComputeDelta(remote []consent.ActiveReservation, local []LatestState, resolver Resolver) Delta {
	var d Delta

	remoteReserved := make(map[string]time.Time, len(remote))
	for _, entry := range remote {
		key, ok := resolver.FindPatientKeyByIdentifier(entry.NationalID)
		if !ok {
			d.Unresolved++
			continue
		}
		if !entry.IsReserved {
			continue
		}
		if prev, seen := remoteReserved[key]; !seen || entry.EventTime.After(prev) {
			remoteReserved[key] = entry.EventTime
		}
	}
	d.Remote = len(remoteReserved)

	if d.Unresolved > 0 {
		logger.Log.WithField("unresolved", d.Unresolved).
			Warn("Remote reservations without a matching local patient were ignored")
	}
	if len(local) == 0 {
		logger.Log.WithField("remote_reserved", d.Remote).
			Info("No local reservation state; every remote entry is new")
	}

	localReserved := make(map[string]bool, len(local))
	for _, state := range local {
		localReserved[state.PatientKey] = state.IsReserved
	}

	for key, eventTime := range remoteReserved {
		if !localReserved[key] {
			d.New = append(d.New, NewReservation{PatientKey: key, EventTime: eventTime})
		}
	}
	for key, reserved := range localReserved {
		if _, stillReserved := remoteReserved[key]; reserved && !stillReserved {
			d.Withdrawn = append(d.Withdrawn, key)
		}
	}

	sort.Slice(d.New, func(i, j int) bool { return d.New[i].PatientKey < d.New[j].PatientKey })
	sort.Strings(d.Withdrawn)

	logger.Log.WithFields(logrus.Fields{
		"new":        len(d.New),
		"withdrawn":  len(d.Withdrawn),
		"unresolved": d.Unresolved,
	}).Info("Reservation delta computed")
	return d
}
