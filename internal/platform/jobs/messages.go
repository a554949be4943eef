package jobs

import (
	"time"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
)

// Event types carried in the "event" attribute.
const (
	EventProvisioningRequested = "provisioning.requested"
	EventProvisioningReady     = "provisioning.ready"
	EventProvisioningFailed    = "provisioning.failed"
	EventProvisioningDelayed   = "provisioning.delayed"
)

// ProvisioningRequestMessage is the wire form of domain.ProvisioningJob.
type ProvisioningRequestMessage struct {
	JobID         string    `json:"jobId"`
	OrderNo       string    `json:"orderNo,omitempty"`
	TranID        string    `json:"tranId,omitempty"`
	TransactionID string    `json:"transactionId"`
	PackageCode   string    `json:"packageCode"`
	RequestedAt   time.Time `json:"requestedAt"`
}

func requestMessage(job domain.ProvisioningJob) ProvisioningRequestMessage {
	return ProvisioningRequestMessage{
		JobID:         job.ID,
		OrderNo:       job.OrderNo,
		TranID:        job.TranID,
		TransactionID: job.TransactionID,
		PackageCode:   job.PackageCode,
		RequestedAt:   job.RequestedAt.UTC(),
	}
}

func (m ProvisioningRequestMessage) job() domain.ProvisioningJob {
	return domain.ProvisioningJob{
		ID:            m.JobID,
		OrderNo:       m.OrderNo,
		TranID:        m.TranID,
		TransactionID: m.TransactionID,
		PackageCode:   m.PackageCode,
		RequestedAt:   m.RequestedAt,
	}
}

// ProvisioningResultMessage is what the e-mail collaborator consumes.
type ProvisioningResultMessage struct {
	JobID          string    `json:"jobId"`
	Outcome        string    `json:"outcome"`
	OrderNo        string    `json:"orderNo,omitempty"`
	TranID         string    `json:"tranId,omitempty"`
	TransactionID  string    `json:"transactionId"`
	PackageCode    string    `json:"packageCode"`
	ICCID          string    `json:"iccid,omitempty"`
	ActivationCode string    `json:"activationCode,omitempty"`
	QRPayload      string    `json:"qrPayload,omitempty"`
	UpstreamStatus string    `json:"upstreamStatus,omitempty"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error,omitempty"`
	CompletedAt    time.Time `json:"completedAt"`
}

func resultMessage(result domain.ProvisioningResult) ProvisioningResultMessage {
	msg := ProvisioningResultMessage{
		JobID:         result.Job.ID,
		Outcome:       string(result.Outcome),
		OrderNo:       result.Job.OrderNo,
		TranID:        result.Job.TranID,
		TransactionID: result.Job.TransactionID,
		PackageCode:   result.Job.PackageCode,
		Attempts:      result.Attempts,
		Error:         result.Error,
		CompletedAt:   result.CompletedAt.UTC(),
	}
	if p := result.Profile; p != nil {
		msg.ICCID = p.ICCID
		msg.ActivationCode = p.ActivationCode
		msg.QRPayload = p.QRPayload
		msg.UpstreamStatus = p.UpstreamStatus
		if msg.TranID == "" {
			msg.TranID = p.TranID
		}
		if msg.OrderNo == "" {
			msg.OrderNo = p.OrderNo
		}
	}
	return msg
}

func resultEvent(outcome domain.ProvisioningOutcome) string {
	switch outcome {
	case domain.ProvisioningOutcomeReady:
		return EventProvisioningReady
	case domain.ProvisioningOutcomeFailed:
		return EventProvisioningFailed
	default:
		return EventProvisioningDelayed
	}
}
