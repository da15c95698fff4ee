package main

import "fmt"

// --- Admission Policy ---

// AdmissionPolicy decides what happens to a new job while every worker is busy.
type AdmissionPolicy string

const (
	PolicyQueue AdmissionPolicy = "queue"
	PolicyDrop  AdmissionPolicy = "drop"
)

func parsePolicy(s string) (AdmissionPolicy, error) {
	switch AdmissionPolicy(s) {
	case PolicyQueue, PolicyDrop:
		return AdmissionPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown admission policy %q (want queue or drop)", s)
	}
}

// --- Decision ---

type Decision int

const (
	DecisionDispatch Decision = iota
	DecisionEnqueue
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionDispatch:
		return "dispatch"
	case DecisionEnqueue:
		return "enqueue"
	case DecisionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Admission is the controller's verdict for one job. Worker is set for
// DecisionDispatch, Reason for DecisionReject.
type Admission struct {
	Decision Decision
	Worker   *WorkerConn
	Reason   *RelayError
}

// decideAdmission is the decision table:
//
//	worker present | worker busy | policy | decision
//	no             | -           | -      | reject(no_extension_connected)
//	yes            | no          | -      | dispatch
//	yes            | yes         | drop   | reject(worker_busy)
//	yes            | yes         | queue  | enqueue (reject(queue_full) past maxQueue)
func decideAdmission(present, busy bool, policy AdmissionPolicy, queueFull bool) (Decision, *RelayError) {
	switch {
	case !present:
		return DecisionReject, ErrNoWorker
	case !busy:
		return DecisionDispatch, nil
	case policy == PolicyDrop:
		return DecisionReject, ErrWorkerBusy
	case queueFull:
		return DecisionReject, ErrQueueFull
	default:
		return DecisionEnqueue, nil
	}
}

// admissionController applies the decision table against live registry
// state. Callers must hold the dispatcher lock so that two concurrent
// admissions cannot both observe the same idle worker.
type admissionController struct {
	registry *Registry
}

func (a *admissionController) admit(policy AdmissionPolicy, queued, maxQueue int) Admission {
	worker := a.registry.BestAvailable()
	present := worker != nil || a.registry.Count() > 0
	queueFull := maxQueue > 0 && queued >= maxQueue

	decision, reason := decideAdmission(present, worker == nil, policy, queueFull)
	adm := Admission{Decision: decision, Reason: reason}
	if decision == DecisionDispatch {
		adm.Worker = worker
	}
	return adm
}
