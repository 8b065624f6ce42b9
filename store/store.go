package store

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	logging "gopkg.in/op/go-logging.v1"

	bolt "go.etcd.io/bbolt"
)

var log = logging.MustGetLogger("store")

var (
	bucketConnections    = []byte("connections")
	bucketRecvQueues     = []byte("rqueues")
	bucketSendQueues     = []byte("squeues")
	bucketOutbox         = []byte("outbox")
	bucketRatchets       = []byte("ratchets")
	bucketConfirmations  = []byte("confirmations")
	bucketInvitations    = []byte("invitations")
	bucketNtfToken       = []byte("ntftoken")
	bucketCounters       = []byte("counters")
	ntfTokenKey          = []byte("singleton")
	internalIDCounterFmt = "internalId:%s"
)

// Gateway is the Persistence Gateway (C1): a transactional store over
// bbolt, with every record sealed at rest.
type Gateway struct {
	db  *bolt.DB
	key *[keySize]byte
}

// Open opens (creating if absent) the bbolt database at path and prepares
// every bucket C1 needs. passphrase derives the at-rest encryption key.
func Open(path string, passphrase []byte) (*Gateway, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errInternal("failed to open database", err)
	}
	g := &Gateway{db: db, key: stretchKey(passphrase)}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketConnections, bucketRecvQueues, bucketSendQueues, bucketOutbox,
			bucketRatchets, bucketConfirmations, bucketInvitations, bucketNtfToken,
			bucketCounters,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errInternal("failed to initialize buckets", err)
	}
	return g, nil
}

// Close releases the underlying database handle.
func (g *Gateway) Close() error {
	return g.db.Close()
}

func (g *Gateway) putSealed(b *bolt.Bucket, key []byte, v interface{}) error {
	plain, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := seal(plain, g.key)
	if err != nil {
		return err
	}
	return b.Put(key, sealed)
}

func (g *Gateway) getSealed(b *bolt.Bucket, key []byte, out interface{}) error {
	sealed := b.Get(key)
	if sealed == nil {
		return errNotFound(fmt.Sprintf("key %q not found", key))
	}
	plain, err := open(sealed, g.key)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(plain, out)
}

// --- Connection CRUD ---

// PutConnection creates or replaces a connection record.
func (g *Gateway) PutConnection(c *Connection) error {
	if c.ConnID == "" {
		c.ConnID = uuid.NewString()
	}
	return g.db.Update(func(tx *bolt.Tx) error {
		return g.putSealed(tx.Bucket(bucketConnections), []byte(c.ConnID), c)
	})
}

// GetConnection loads a connection by id.
func (g *Gateway) GetConnection(connID string) (*Connection, error) {
	c := new(Connection)
	err := g.db.View(func(tx *bolt.Tx) error {
		return g.getSealed(tx.Bucket(bucketConnections), []byte(connID), c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteConnection removes a connection record. It does not cascade; the
// caller is responsible for deleting the connection's queues/outbox/ratchet
// within the same logical operation (spec.md §5 "Cancellation").
func (g *Gateway) DeleteConnection(connID string) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		if b.Get([]byte(connID)) == nil {
			return errNotFound("connection " + connID)
		}
		return b.Delete([]byte(connID))
	})
}

// --- Receive queue CRUD ---

// PutRecvQueue creates or replaces a Rq record, enforcing the invariant
// that at most one Rq per connection has CurrentFlag=true.
func (g *Gateway) PutRecvQueue(rq *ReceiveQueue) error {
	if rq.ID == "" {
		rq.ID = uuid.NewString()
	}
	return g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecvQueues)
		if rq.CurrentFlag {
			if err := g.clearOtherCurrentFlags(b, rq.ConnID, rq.ID); err != nil {
				return err
			}
		}
		return g.putSealed(b, []byte(rq.ID), rq)
	})
}

func (g *Gateway) clearOtherCurrentFlags(b *bolt.Bucket, connID, exceptID string) error {
	return b.ForEach(func(k, v []byte) error {
		if string(k) == exceptID {
			return nil
		}
		plain, err := open(v, g.key)
		if err != nil {
			return err
		}
		other := new(ReceiveQueue)
		if err := cbor.Unmarshal(plain, other); err != nil {
			return err
		}
		if other.ConnID != connID || !other.CurrentFlag {
			return nil
		}
		other.CurrentFlag = false
		return g.putSealed(b, k, other)
	})
}

// GetRecvQueue loads a Rq by id.
func (g *Gateway) GetRecvQueue(id string) (*ReceiveQueue, error) {
	rq := new(ReceiveQueue)
	err := g.db.View(func(tx *bolt.Tx) error {
		return g.getSealed(tx.Bucket(bucketRecvQueues), []byte(id), rq)
	})
	if err != nil {
		return nil, err
	}
	return rq, nil
}

// SetRecvQueueStatus enforces the monotone status lattice (New -> Confirmed
// -> Secured -> Active -> Disabled).
func (g *Gateway) SetRecvQueueStatus(id string, status QueueStatus) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecvQueues)
		rq := new(ReceiveQueue)
		if err := g.getSealed(b, []byte(id), rq); err != nil {
			return err
		}
		if status < rq.Status {
			return errIntegrity("Rq status must be monotone")
		}
		rq.Status = status
		return g.putSealed(b, []byte(id), rq)
	})
}

// SetRecvQueueRotationAction updates the rotation-action field; it is the
// only field settable backward (to RotationNone, on cancellation).
func (g *Gateway) SetRecvQueueRotationAction(id string, action RotationAction, ts int64) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecvQueues)
		rq := new(ReceiveQueue)
		if err := g.getSealed(b, []byte(id), rq); err != nil {
			return err
		}
		rq.RotationAction = action
		return g.putSealed(b, []byte(id), rq)
	})
}

// DeleteRecvQueue removes a Rq record.
func (g *Gateway) DeleteRecvQueue(id string) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecvQueues)
		if b.Get([]byte(id)) == nil {
			return errNotFound("rqueue " + id)
		}
		return b.Delete([]byte(id))
	})
}

// GetNextRcvQueue returns the connection's staged next Rq, if any.
func (g *Gateway) GetNextRcvQueue(connID string) (*ReceiveQueue, error) {
	conn, err := g.GetConnection(connID)
	if err != nil {
		return nil, err
	}
	if conn.NextRqID == "" {
		return nil, errNotFound("connection " + connID + " has no next Rq")
	}
	return g.GetRecvQueue(conn.NextRqID)
}

// SwitchCurrRcvQueue promotes the connection's next Rq to current,
// atomically: the old current Rq's CurrentFlag clears, the new one's sets,
// and the connection's CurrRqID/NextRqID swap.
func (g *Gateway) SwitchCurrRcvQueue(connID string) (newCurrID string, err error) {
	err = g.db.Update(func(tx *bolt.Tx) error {
		connB := tx.Bucket(bucketConnections)
		conn := new(Connection)
		if err := g.getSealed(connB, []byte(connID), conn); err != nil {
			return err
		}
		if conn.NextRqID == "" {
			return errIntegrity("no next Rq to switch in")
		}
		rqB := tx.Bucket(bucketRecvQueues)
		if conn.CurrRqID != "" {
			old := new(ReceiveQueue)
			if err := g.getSealed(rqB, []byte(conn.CurrRqID), old); err == nil {
				old.CurrentFlag = false
				if err := g.putSealed(rqB, []byte(conn.CurrRqID), old); err != nil {
					return err
				}
			}
		}
		next := new(ReceiveQueue)
		if err := g.getSealed(rqB, []byte(conn.NextRqID), next); err != nil {
			return err
		}
		next.CurrentFlag = true
		next.RotationAction = RotationNone
		if err := g.putSealed(rqB, []byte(conn.NextRqID), next); err != nil {
			return err
		}
		newCurrID = conn.NextRqID
		conn.CurrRqID = conn.NextRqID
		conn.NextRqID = ""
		return g.putSealed(connB, []byte(connID), conn)
	})
	return newCurrID, err
}

// AdvanceRecvChain records a successfully-integrity-checked delivery: the
// new prevMsgId/prevHash chain position and the last-delivered payload
// (for idempotent A_DUPLICATE re-delivery).
func (g *Gateway) AdvanceRecvChain(id string, msgID int64, hash [32]byte, body []byte) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecvQueues)
		rq := new(ReceiveQueue)
		if err := g.getSealed(b, []byte(id), rq); err != nil {
			return err
		}
		rq.RecvPrevMsgID = msgID
		rq.RecvPrevHash = hash
		rq.LastDeliveredMsgID = msgID
		rq.LastDeliveredBody = body
		rq.LastDeliveredAcked = false
		return g.putSealed(b, []byte(id), rq)
	})
}

// AckLastDelivered marks the last-delivered message as user-acked, so a
// subsequent A_DUPLICATE re-ACKs the relay and deletes rather than
// re-emitting the payload.
func (g *Gateway) AckLastDelivered(id string) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecvQueues)
		rq := new(ReceiveQueue)
		if err := g.getSealed(b, []byte(id), rq); err != nil {
			return err
		}
		rq.LastDeliveredAcked = true
		return g.putSealed(b, []byte(id), rq)
	})
}

// FindRecvQueueByRecipient scans for the Rq addressed by recipientID at
// server, used by the Receive Dispatcher to map an inbound event back to
// its connection. Rq records are few per agent, so a bucket scan is
// preferable to maintaining a second index under C1's encrypted-at-rest
// per-record sealing.
func (g *Gateway) FindRecvQueueByRecipient(server ServerRef, recipientID []byte) (*ReceiveQueue, error) {
	var found *ReceiveQueue
	err := g.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecvQueues)
		return b.ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}
			plain, err := open(v, g.key)
			if err != nil {
				return err
			}
			rq := new(ReceiveQueue)
			if err := cbor.Unmarshal(plain, rq); err != nil {
				return err
			}
			if rq.Server == server && bytesEqual(rq.RecipientID, recipientID) {
				found = rq
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errNotFound("no rqueue for recipient")
	}
	return found, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- Send queue CRUD ---

func (g *Gateway) PutSendQueue(sq *SendQueue) error {
	if sq.ID == "" {
		sq.ID = uuid.NewString()
	}
	return g.db.Update(func(tx *bolt.Tx) error {
		return g.putSealed(tx.Bucket(bucketSendQueues), []byte(sq.ID), sq)
	})
}

func (g *Gateway) GetSendQueue(id string) (*SendQueue, error) {
	sq := new(SendQueue)
	err := g.db.View(func(tx *bolt.Tx) error {
		return g.getSealed(tx.Bucket(bucketSendQueues), []byte(id), sq)
	})
	if err != nil {
		return nil, err
	}
	return sq, nil
}

func (g *Gateway) SetSendQueueStatus(id string, status QueueStatus) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSendQueues)
		sq := new(SendQueue)
		if err := g.getSealed(b, []byte(id), sq); err != nil {
			return err
		}
		if status < sq.Status {
			return errIntegrity("Sq status must be monotone")
		}
		sq.Status = status
		return g.putSealed(b, []byte(id), sq)
	})
}

func (g *Gateway) DeleteSendQueue(id string) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSendQueues)
		if b.Get([]byte(id)) == nil {
			return errNotFound("squeue " + id)
		}
		return b.Delete([]byte(id))
	})
}

// SwitchCurrSndQueue promotes the connection's next Sq to current.
func (g *Gateway) SwitchCurrSndQueue(connID string) (newCurrID string, err error) {
	err = g.db.Update(func(tx *bolt.Tx) error {
		connB := tx.Bucket(bucketConnections)
		conn := new(Connection)
		if err := g.getSealed(connB, []byte(connID), conn); err != nil {
			return err
		}
		if conn.NextSqID == "" {
			return errIntegrity("no next Sq to switch in")
		}
		sqB := tx.Bucket(bucketSendQueues)
		if conn.CurrSqID != "" {
			old := new(SendQueue)
			if err := g.getSealed(sqB, []byte(conn.CurrSqID), old); err == nil {
				old.CurrentFlag = false
				if err := g.putSealed(sqB, []byte(conn.CurrSqID), old); err != nil {
					return err
				}
			}
		}
		next := new(SendQueue)
		if err := g.getSealed(sqB, []byte(conn.NextSqID), next); err != nil {
			return err
		}
		next.CurrentFlag = true
		if err := g.putSealed(sqB, []byte(conn.NextSqID), next); err != nil {
			return err
		}
		newCurrID = conn.NextSqID
		conn.CurrSqID = conn.NextSqID
		conn.NextSqID = ""
		return g.putSealed(connB, []byte(connID), conn)
	})
	return newCurrID, err
}

// --- Outbox ---

// AppendOutbox assigns the next strictly-increasing internalId for msg's
// connection, computes PrevHash/Hash under the same transaction, and
// stores the record.
func (g *Gateway) AppendOutbox(msg *OutboxMessage) (int64, error) {
	var assignedID int64
	err := g.db.Update(func(tx *bolt.Tx) error {
		counters := tx.Bucket(bucketCounters)
		outbox := tx.Bucket(bucketOutbox)

		counterKey := []byte(fmt.Sprintf(internalIDCounterFmt, msg.ConnID))
		next := int64(1)
		if raw := counters.Get(counterKey); raw != nil {
			next = int64(binary.BigEndian.Uint64(raw)) + 1
		}

		prevHash, err := g.lastOutboxHash(outbox, msg.ConnID)
		if err != nil {
			return err
		}

		msg.InternalID = next
		msg.PrevHash = prevHash
		msg.Hash = hashBody(msg.Body)

		raw := make([]byte, 8)
		binary.BigEndian.PutUint64(raw, uint64(next))
		if err := counters.Put(counterKey, raw); err != nil {
			return err
		}

		key := outboxKey(msg.ConnID, next)
		assignedID = next
		return g.putSealed(outbox, key, msg)
	})
	return assignedID, err
}

func (g *Gateway) lastOutboxHash(b *bolt.Bucket, connID string) ([32]byte, error) {
	var last [32]byte
	prefix := []byte(connID + ":")
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		plain, err := open(v, g.key)
		if err != nil {
			return last, err
		}
		m := new(OutboxMessage)
		if err := cbor.Unmarshal(plain, m); err != nil {
			return last, err
		}
		last = m.Hash
	}
	return last, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func outboxKey(connID string, internalID int64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", connID, internalID))
}

// ReadPendingOutbox returns every staged message for connID in internalId
// order, the order the Send Pipeline (C6) must deliver in.
func (g *Gateway) ReadPendingOutbox(connID string) ([]*OutboxMessage, error) {
	var out []*OutboxMessage
	err := g.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		prefix := []byte(connID + ":")
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			plain, err := open(v, g.key)
			if err != nil {
				return err
			}
			m := new(OutboxMessage)
			if err := cbor.Unmarshal(plain, m); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// DeleteOutbox removes a message on terminal resolution (success or
// permanent failure).
func (g *Gateway) DeleteOutbox(connID string, internalID int64) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).Delete(outboxKey(connID, internalID))
	})
}

// --- Ratchet ---

// PutRatchet stores a connection's ratchet Save() blob, the atomic unit
// that bundles chain state with the skipped-message-key map.
func (g *Gateway) PutRatchet(connID string, blob []byte) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		return g.putSealed(tx.Bucket(bucketRatchets), []byte(connID), &RatchetRecord{ConnID: connID, Blob: blob})
	})
}

// GetRatchet loads a connection's ratchet blob.
func (g *Gateway) GetRatchet(connID string) ([]byte, error) {
	rec := new(RatchetRecord)
	err := g.db.View(func(tx *bolt.Tx) error {
		return g.getSealed(tx.Bucket(bucketRatchets), []byte(connID), rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.Blob, nil
}

// DeleteRatchet removes a connection's ratchet state (on connection delete).
func (g *Gateway) DeleteRatchet(connID string) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRatchets).Delete([]byte(connID))
	})
}

// --- Confirmation staging (initiator side) ---

func (g *Gateway) PutConfirmation(c *Confirmation) error {
	if c.ConfID == "" {
		c.ConfID = uuid.NewString()
	}
	return g.db.Update(func(tx *bolt.Tx) error {
		return g.putSealed(tx.Bucket(bucketConfirmations), []byte(c.ConfID), c)
	})
}

func (g *Gateway) GetConfirmation(confID string) (*Confirmation, error) {
	c := new(Confirmation)
	err := g.db.View(func(tx *bolt.Tx) error {
		return g.getSealed(tx.Bucket(bucketConfirmations), []byte(confID), c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (g *Gateway) DeleteConfirmation(confID string) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfirmations).Delete([]byte(confID))
	})
}

// --- Invitation staging (contact flow) ---

func (g *Gateway) PutInvitation(inv *Invitation) error {
	if inv.InvitationID == "" {
		inv.InvitationID = uuid.NewString()
	}
	return g.db.Update(func(tx *bolt.Tx) error {
		return g.putSealed(tx.Bucket(bucketInvitations), []byte(inv.InvitationID), inv)
	})
}

func (g *Gateway) GetInvitation(id string) (*Invitation, error) {
	inv := new(Invitation)
	err := g.db.View(func(tx *bolt.Tx) error {
		return g.getSealed(tx.Bucket(bucketInvitations), []byte(id), inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// DeleteInvitation removes a staged invitation, e.g. on rejection.
func (g *Gateway) DeleteInvitation(id string) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvitations)
		if b.Get([]byte(id)) == nil {
			return errNotFound("invitation " + id)
		}
		return b.Delete([]byte(id))
	})
}

func (g *Gateway) MarkInvitationAccepted(id string) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvitations)
		inv := new(Invitation)
		if err := g.getSealed(b, []byte(id), inv); err != nil {
			return err
		}
		inv.Accepted = true
		return g.putSealed(b, []byte(id), inv)
	})
}

// --- Notification token ---

func (g *Gateway) PutNtfToken(tok *NtfToken) error {
	return g.db.Update(func(tx *bolt.Tx) error {
		return g.putSealed(tx.Bucket(bucketNtfToken), ntfTokenKey, tok)
	})
}

func (g *Gateway) GetNtfToken() (*NtfToken, error) {
	tok := new(NtfToken)
	err := g.db.View(func(tx *bolt.Tx) error {
		return g.getSealed(tx.Bucket(bucketNtfToken), ntfTokenKey, tok)
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (g *Gateway) DeleteNtfToken() error {
	return g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNtfToken).Delete(ntfTokenKey)
	})
}
