package transport

// connectionID is a single entry in a connection ID registry.
type connectionID struct {
	sequence uint64
	cid      []byte
	token    [16]byte // Stateless reset token.
}

// localCIDs tracks connection IDs this endpoint issued to the peer.
// Sequence 0 is the CID used during the handshake; a CID picked from a
// Retry packet does not consume a sequence number.
type localCIDs struct {
	cids    []connectionID
	nextSeq uint64
	// Sequence numbers that still need a NEW_CONNECTION_ID frame,
	// either because they are new or because the frame was lost.
	needSend []uint64
	// Newly issued CIDs not yet registered with the packet router.
	fresh [][]byte
	// CIDs retired by the peer, to be unregistered from the router.
	unused [][]byte
}

func (lc *localCIDs) init(cid []byte, token [16]byte) {
	lc.cids = append(lc.cids[:0], connectionID{
		sequence: 0,
		cid:      cid,
		token:    token,
	})
	lc.nextSeq = 1
}

// issue registers a new CID for the peer to use and schedules its
// NEW_CONNECTION_ID frame.
func (lc *localCIDs) issue(cid []byte, token [16]byte) uint64 {
	seq := lc.nextSeq
	lc.nextSeq++
	lc.cids = append(lc.cids, connectionID{
		sequence: seq,
		cid:      cid,
		token:    token,
	})
	lc.needSend = append(lc.needSend, seq)
	lc.fresh = append(lc.fresh, cid)
	return seq
}

// retire handles a RETIRE_CONNECTION_ID frame from the peer.
// The retired CID is queued for router unregistration.
func (lc *localCIDs) retire(seq uint64) error {
	if seq >= lc.nextSeq {
		return newError(ProtocolViolation, sprint("retired connection id has unsent sequence ", seq))
	}
	for i, c := range lc.cids {
		if c.sequence == seq {
			lc.unused = append(lc.unused, c.cid)
			lc.cids = append(lc.cids[:i], lc.cids[i+1:]...)
			return nil
		}
	}
	// Already retired. Retransmitted frames are not an error.
	return nil
}

func (lc *localCIDs) get(seq uint64) *connectionID {
	for i := range lc.cids {
		if lc.cids[i].sequence == seq {
			return &lc.cids[i]
		}
	}
	return nil
}

// popNeedSend returns the next sequence needing a NEW_CONNECTION_ID frame.
func (lc *localCIDs) popNeedSend() (*connectionID, bool) {
	for len(lc.needSend) > 0 {
		seq := lc.needSend[0]
		lc.needSend = lc.needSend[1:]
		if c := lc.get(seq); c != nil {
			return c, true
		}
	}
	return nil, false
}

// resend reschedules the NEW_CONNECTION_ID frame for seq, used when the
// frame was declared lost.
func (lc *localCIDs) resend(seq uint64) {
	for _, v := range lc.needSend {
		if v == seq {
			return
		}
	}
	lc.needSend = append(lc.needSend, seq)
}

// drainFresh returns CIDs issued since the last call.
func (lc *localCIDs) drainFresh() [][]byte {
	cids := lc.fresh
	lc.fresh = nil
	return cids
}

// drainUnused returns CIDs retired by the peer since the last call.
func (lc *localCIDs) drainUnused() [][]byte {
	cids := lc.unused
	lc.unused = nil
	return cids
}

// remoteCIDs tracks connection IDs the peer issued to this endpoint.
type remoteCIDs struct {
	cids      []connectionID
	activeSeq uint64
	// Highest Retire Prior To received.
	retirePriorTo uint64
	// Sequence numbers to acknowledge with RETIRE_CONNECTION_ID frames.
	needRetire []uint64
	// Maximum number of CIDs this endpoint is willing to store,
	// from the local active_connection_id_limit parameter.
	limit uint64
}

func (rc *remoteCIDs) init(cid []byte, limit uint64) {
	rc.cids = append(rc.cids[:0], connectionID{
		sequence: 0,
		cid:      cid,
	})
	rc.activeSeq = 0
	if limit < 2 {
		limit = 2
	}
	rc.limit = limit
}

// active returns the CID currently used in short header packets.
func (rc *remoteCIDs) active() []byte {
	for i := range rc.cids {
		if rc.cids[i].sequence == rc.activeSeq {
			return rc.cids[i].cid
		}
	}
	return nil
}

// setResetToken attaches the token for sequence 0 learned from the peer's
// stateless_reset_token transport parameter.
func (rc *remoteCIDs) setResetToken(token [16]byte) {
	for i := range rc.cids {
		if rc.cids[i].sequence == 0 {
			rc.cids[i].token = token
			return
		}
	}
}

// add handles a NEW_CONNECTION_ID frame.
func (rc *remoteCIDs) add(seq, retirePriorTo uint64, cid []byte, token [16]byte) error {
	if retirePriorTo > seq {
		return newError(FrameEncodingError, "new_connection_id retire_prior_to exceeds sequence")
	}
	for i := range rc.cids {
		if rc.cids[i].sequence == seq {
			if string(rc.cids[i].cid) != string(cid) || rc.cids[i].token != token {
				return newError(ProtocolViolation, sprint("new_connection_id reused sequence ", seq))
			}
			// Retransmission.
			return nil
		}
	}
	if seq < rc.retirePriorTo {
		// Arrived late, retire immediately.
		rc.needRetire = append(rc.needRetire, seq)
		return nil
	}
	rc.cids = append(rc.cids, connectionID{
		sequence: seq,
		cid:      cid,
		token:    token,
	})
	if retirePriorTo > rc.retirePriorTo {
		rc.retirePriorTo = retirePriorTo
		kept := rc.cids[:0]
		for _, c := range rc.cids {
			if c.sequence < retirePriorTo {
				rc.needRetire = append(rc.needRetire, c.sequence)
			} else {
				kept = append(kept, c)
			}
		}
		rc.cids = kept
		if rc.activeSeq < retirePriorTo {
			// The active CID was retired, switch to the lowest remaining.
			rc.activeSeq = rc.lowestSeq()
		}
	}
	if uint64(len(rc.cids)) > rc.limit {
		return newError(ConnectionIDLimitError, sprint("active connection id limit ", rc.limit))
	}
	return nil
}

func (rc *remoteCIDs) lowestSeq() uint64 {
	min := ^uint64(0)
	for i := range rc.cids {
		if rc.cids[i].sequence < min {
			min = rc.cids[i].sequence
		}
	}
	return min
}

// rotate switches the active CID to the lowest-sequence spare and
// schedules retirement of the previous one. Returns false when the peer
// has not provided a spare CID.
func (rc *remoteCIDs) rotate() bool {
	next := -1
	for i := range rc.cids {
		if rc.cids[i].sequence > rc.activeSeq &&
			(next < 0 || rc.cids[i].sequence < rc.cids[next].sequence) {
			next = i
		}
	}
	if next < 0 {
		return false
	}
	old := rc.activeSeq
	rc.activeSeq = rc.cids[next].sequence
	rc.needRetire = append(rc.needRetire, old)
	for i := range rc.cids {
		if rc.cids[i].sequence == old {
			rc.cids = append(rc.cids[:i], rc.cids[i+1:]...)
			break
		}
	}
	return true
}

// popNeedRetire returns the next sequence needing a RETIRE_CONNECTION_ID frame.
func (rc *remoteCIDs) popNeedRetire() (uint64, bool) {
	if len(rc.needRetire) == 0 {
		return 0, false
	}
	seq := rc.needRetire[0]
	rc.needRetire = rc.needRetire[1:]
	return seq, true
}

// resend reschedules a RETIRE_CONNECTION_ID frame declared lost.
func (rc *remoteCIDs) resend(seq uint64) {
	for _, v := range rc.needRetire {
		if v == seq {
			return
		}
	}
	rc.needRetire = append(rc.needRetire, seq)
}

// hasToken reports whether data matches any stored stateless reset token.
func (rc *remoteCIDs) hasToken(token []byte) bool {
	if len(token) != 16 {
		return false
	}
	for i := range rc.cids {
		if string(rc.cids[i].token[:]) == string(token) {
			return true
		}
	}
	return false
}
