package update

import "github.com/stefanma/ignite/internal/cluster"

// Transport envelopes. The logical protocol messages (Request, Response,
// BackupAck) are transport-agnostic; these wrappers add only what HTTP
// delivery needs: a reply-to address and enough addressing for the primary
// to reach its backups.

// Envelope carries an update request from the coordinator to the primary.
type Envelope struct {
	Request *Request `json:"request"`

	// ReplyTo is the coordinator's base URL for the asynchronous response
	// and acknowledgment callbacks.
	ReplyTo string `json:"reply_to"`

	// Backups lists the replicas the primary must push copies to,
	// resolved by the coordinator's affinity at the request's topology
	// version.
	Backups []cluster.NodeInfo `json:"backups,omitempty"`
}

// BackupEnvelope carries a backup copy from the primary to one backup.
type BackupEnvelope struct {
	Request *Request       `json:"request"`
	ReplyTo string         `json:"reply_to"`
	Primary cluster.NodeID `json:"primary"`
}

// ResponseEnvelope delivers the primary's response to the coordinator.
type ResponseEnvelope struct {
	Sender   cluster.NodeID `json:"sender"`
	Response *Response      `json:"response"`
}

// AckEnvelope delivers a backup acknowledgment to the coordinator.
type AckEnvelope struct {
	Sender cluster.NodeID `json:"sender"`
	Ack    *BackupAck     `json:"ack"`
}
