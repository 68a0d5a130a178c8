package bft

import (
	"encoding/binary"
	"time"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
)

// BlockDecision is the single outcome of a block's agreement: the winning proposer slot or the empty block
type BlockDecision struct {
	BlockId lib.BlockId
	Slot    uint64
	Empty   bool // Slot == N+1
}

// DecisionHandler receives the coordinator's outputs on the dispatcher goroutine
type DecisionHandler interface {
	// OnBlockDecision() is called exactly once per BlockId
	OnBlockDecision(d BlockDecision)
	// OnDecisionCertificate() is called at most once per BlockId, after the decision
	OnDecisionCertificate(c *lib.DecisionCertificate)
}

// DecisionRecord collects the binary decisions of one block's N instances
type DecisionRecord struct {
	BlockId    lib.BlockId
	PrevHash   []byte
	TrueSlots  map[uint64]struct{}
	FalseSlots map[uint64]struct{}
	Decided    bool
	Winner     uint64 // immutable once Decided

	started   time.Time
	signers   crypto.MultiPublicKeyI // verified block sign shares for Winner
	pending   map[uint64]*lib.BlockSignBroadcast
	certified bool
}

// Coordinator runs the N parallel binary agreements of each block and turns their decisions into one winner
type Coordinator struct {
	n        uint64
	self     uint64
	blsKey   crypto.PrivateKeyI
	multiKey crypto.MultiPublicKeyI // slot ordered BLS keys of every node
	registry *Registry
	records  map[lib.BlockId]*DecisionRecord

	out     Outbox
	handler DecisionHandler
	metrics *lib.Metrics
	log     lib.LoggerI
}

// NewCoordinator() creates a coordinator for n nodes; blsPublicKeys are indexed by slot-1
func NewCoordinator(n, self uint64, blsKey crypto.PrivateKeyI, blsPublicKeys [][]byte, out Outbox, handler DecisionHandler, metrics *lib.Metrics, log lib.LoggerI) (*Coordinator, lib.ErrorI) {
	if n == 0 || self < 1 || self > n || uint64(len(blsPublicKeys)) != n {
		return nil, lib.ErrInvalidArgument()
	}
	multiKey, err := crypto.NewMultiBLS(blsPublicKeys, nil)
	if err != nil {
		return nil, ErrUnableToAddSigner(err)
	}
	return &Coordinator{
		n:        n,
		self:     self,
		blsKey:   blsKey,
		multiKey: multiKey,
		registry: NewRegistry(),
		records:  make(map[lib.BlockId]*DecisionRecord),
		out:      out,
		handler:  handler,
		metrics:  metrics,
		log:      log,
	}, nil
}

// StartAgreement() launches one instance per proposer slot, each proposing its availability bit at round 0
func (c *Coordinator) StartAgreement(id lib.BlockId, vector lib.AvailabilityVector, prevHash []byte) lib.ErrorI {
	if _, started := c.records[id]; started {
		return ErrAgreementAlreadyStarted(id)
	}
	if uint64(len(vector)) != c.n {
		return ErrWrongAvailabilityLength(uint64(len(vector)), c.n)
	}
	if trueCount := vector.TrueCount(); !lib.IsTwoThirds(trueCount, c.n) {
		return ErrNotEnoughAvailability(trueCount, c.n)
	}
	c.records[id] = &DecisionRecord{
		BlockId:    id,
		PrevHash:   prevHash,
		TrueSlots:  make(map[uint64]struct{}),
		FalseSlots: make(map[uint64]struct{}),
		started:    time.Now(),
		signers:    c.multiKey.Copy(),
		pending:    make(map[uint64]*lib.BlockSignBroadcast),
	}
	c.log.Infof("Starting agreement for block %d with %d/%d proposals available", id, vector.TrueCount(), c.n)
	instances := make([]*BinaryAgreement, 0, c.n)
	for slot := uint64(1); slot <= c.n; slot++ {
		key := lib.ProtocolKey{BlockId: id, Slot: slot}
		instance := NewBinaryAgreement(key, c.n, c.self, prevHash, c.out, c.onInstanceDecide, c.log)
		if err := c.registry.Add(instance); err != nil {
			return err
		}
		instances = append(instances, instance)
	}
	// register every instance before proposing so decisions find a complete record
	for i, instance := range instances {
		instance.Propose(vector[i], 0)
	}
	return nil
}

// Started() returns true once StartAgreement() succeeded for the block
func (c *Coordinator) Started(id lib.BlockId) bool {
	_, ok := c.records[id]
	return ok
}

// Record() returns the decision record of the block
func (c *Coordinator) Record(id lib.BlockId) (*DecisionRecord, lib.ErrorI) {
	rec, ok := c.records[id]
	if !ok {
		return nil, ErrUnknownDecisionRecord(id)
	}
	return rec, nil
}

// HandleMessage() dispatches a consensus message from sender to its instance or the sign share aggregator
func (c *Coordinator) HandleMessage(sender uint64, m lib.Message) lib.ErrorI {
	switch msg := m.(type) {
	case *lib.BVBroadcast:
		instance, err := c.instance(msg.Key())
		if instance == nil {
			return err
		}
		return instance.OnBVBroadcast(sender, msg.Round, msg.Value)
	case *lib.AUXBroadcast:
		instance, err := c.instance(msg.Key())
		if instance == nil {
			return err
		}
		return instance.OnAUXBroadcast(sender, msg.Round, msg.Value)
	case *lib.BlockSignBroadcast:
		return c.OnBlockSign(sender, msg)
	default:
		return ErrUnknownConsensusMsg(m)
	}
}

// instance() looks up the live instance; a nil instance with a nil error means the message is dropped
func (c *Coordinator) instance(key lib.ProtocolKey) (*BinaryAgreement, lib.ErrorI) {
	if key.Slot < 1 || key.Slot > c.n {
		return nil, ErrInvalidProposerSlot(key.Slot, c.n)
	}
	if instance, ok := c.registry.Get(key); ok {
		return instance, nil
	}
	if c.registry.IsCompleted(key) {
		return nil, nil
	}
	return nil, ErrAgreementNotStarted(key.BlockId)
}

// onInstanceDecide() is the DecideFunc handed to every instance
func (c *Coordinator) onInstanceDecide(key lib.ProtocolKey, value bool, round uint64) {
	c.metrics.UpdateDecision(round)
	if err := c.OnChildDecision(key.BlockId, key.Slot, value); err != nil {
		c.log.Error(err.Error())
	}
}

// OnChildDecision() records one instance decision and evaluates the winner rule
func (c *Coordinator) OnChildDecision(id lib.BlockId, slot uint64, value bool) lib.ErrorI {
	rec, ok := c.records[id]
	if !ok {
		return ErrUnknownDecisionRecord(id)
	}
	if slot < 1 || slot > c.n {
		return ErrInvalidProposerSlot(slot, c.n)
	}
	if rec.Decided {
		return nil
	}
	_, inTrue := rec.TrueSlots[slot]
	_, inFalse := rec.FalseSlots[slot]
	if inTrue || inFalse {
		return nil
	}
	if value {
		rec.TrueSlots[slot] = struct{}{}
	} else {
		rec.FalseSlots[slot] = struct{}{}
	}
	winner, ok := selectWinner(c.n, winnerSeed(id, rec.PrevHash), rec.TrueSlots, rec.FalseSlots)
	if !ok {
		return nil
	}
	c.decide(rec, winner)
	return nil
}

// decide() fixes the block's winner, hands the decision to the handler once and signs it
func (c *Coordinator) decide(rec *DecisionRecord, winner uint64) {
	rec.Decided, rec.Winner = true, winner
	decision := BlockDecision{BlockId: rec.BlockId, Slot: winner, Empty: winner == lib.EmptySlot(c.n)}
	c.log.Infof("Block %d decided: proposer %d (empty=%t) after %s", rec.BlockId, winner, decision.Empty, time.Since(rec.started))
	c.handler.OnBlockDecision(decision)
	c.signDecision(rec)
}

// signDecision() broadcasts this node's BLS share over (BlockId, winner) and replays shares that arrived early
func (c *Coordinator) signDecision(rec *DecisionRecord) {
	share := &lib.BlockSignBroadcast{
		BlockId:        rec.BlockId,
		ProposerSlot:   rec.Winner,
		Timestamp:      uint64(time.Now().UnixMilli()),
		SignatureShare: c.blsKey.Sign(lib.BlockSignBytes(rec.BlockId, rec.Winner)),
	}
	c.out.Broadcast(share)
	if err := c.addShare(rec, c.self, share); err != nil {
		c.log.Error(err.Error())
	}
	for sender, early := range rec.pending {
		if err := c.addShare(rec, sender, early); err != nil {
			c.log.Warnf("Rejected early sign share: %s", err.Error())
		}
	}
	rec.pending = nil
}

// OnBlockSign() verifies one block sign share and aggregates a DecisionCertificate when more than 2/3 signed
func (c *Coordinator) OnBlockSign(sender uint64, msg *lib.BlockSignBroadcast) lib.ErrorI {
	if sender < 1 || sender > c.n {
		return ErrInvalidSenderSlot(sender, c.n)
	}
	rec, ok := c.records[msg.BlockId]
	if !ok {
		return ErrUnknownDecisionRecord(msg.BlockId)
	}
	if !rec.Decided {
		return c.holdShare(rec, sender, msg)
	}
	return c.addShare(rec, sender, msg)
}

// holdShare() verifies a share that arrived before the local decision and keeps it; once more than 2/3 of the
// nodes signed the same proposer the block is decided from the shares alone, as committed nodes no longer vote
func (c *Coordinator) holdShare(rec *DecisionRecord, sender uint64, msg *lib.BlockSignBroadcast) lib.ErrorI {
	if msg.ProposerSlot < 1 || msg.ProposerSlot > lib.EmptySlot(c.n) {
		return ErrInvalidProposerSlot(msg.ProposerSlot, c.n)
	}
	if _, held := rec.pending[sender]; held {
		return nil
	}
	publicKey := c.multiKey.PublicKeys()[sender-1]
	if !publicKey.VerifyBytes(lib.BlockSignBytes(rec.BlockId, msg.ProposerSlot), msg.SignatureShare) {
		return ErrInvalidSignatureShare(sender)
	}
	rec.pending[sender] = msg
	count := uint64(0)
	for _, held := range rec.pending {
		if held.ProposerSlot == msg.ProposerSlot {
			count++
		}
	}
	if !lib.IsTwoThirds(count, c.n) {
		return nil
	}
	c.log.Infof("Block %d decided from %d sign shares for proposer %d", rec.BlockId, count, msg.ProposerSlot)
	c.decide(rec, msg.ProposerSlot)
	return nil
}

func (c *Coordinator) addShare(rec *DecisionRecord, sender uint64, msg *lib.BlockSignBroadcast) lib.ErrorI {
	if msg.ProposerSlot != rec.Winner {
		return ErrMismatchedDecision(rec.BlockId, msg.ProposerSlot, rec.Winner)
	}
	index := int(sender - 1)
	if enabled, _ := rec.signers.SignerEnabledAt(index); enabled {
		return nil
	}
	publicKey := c.multiKey.PublicKeys()[index]
	if !publicKey.VerifyBytes(lib.BlockSignBytes(rec.BlockId, rec.Winner), msg.SignatureShare) {
		return ErrInvalidSignatureShare(sender)
	}
	if err := rec.signers.AddSigner(msg.SignatureShare, index); err != nil {
		return ErrUnableToAddSigner(err)
	}
	if rec.certified || !lib.IsTwoThirds(uint64(rec.signers.SignerCount()), c.n) {
		return nil
	}
	signature, err := rec.signers.AggregateSignatures()
	if err != nil {
		return ErrAggregateSignature(err)
	}
	rec.certified = true
	c.handler.OnDecisionCertificate(&lib.DecisionCertificate{
		BlockId:   rec.BlockId,
		Slot:      rec.Winner,
		Signature: signature,
		Bitmap:    rec.signers.Bitmap(),
	})
	return nil
}

// Disconnect() garbage collects the block's instances; later votes for them are dropped
func (c *Coordinator) Disconnect(id lib.BlockId) {
	removed := c.registry.Disconnect(id)
	c.log.Debugf("Disconnected %d instances of block %d", removed, id)
}

// Prune() forgets decision records and completed markers below the window
func (c *Coordinator) Prune(below lib.BlockId) {
	for id := range c.records {
		if id < below {
			delete(c.records, id)
		}
	}
	c.registry.Prune(below)
}

// winnerSeed() derives the scan start of the winner rule from the previous committed block hash
func winnerSeed(id lib.BlockId, prevHash []byte) uint64 {
	if id <= 1 || len(prevHash) < 8 {
		return 1
	}
	return binary.LittleEndian.Uint64(prevHash[:8])
}

// selectWinner() scans slots starting at seed mod n; the first slot decided true wins, the first undecided slot
// stops the scan, and n+1 (empty) wins only if every slot decided false
func selectWinner(n, seed uint64, trueSlots, falseSlots map[uint64]struct{}) (uint64, bool) {
	start := seed % n
	for i := uint64(0); i < n; i++ {
		slot := (start+i)%n + 1
		if _, ok := trueSlots[slot]; ok {
			return slot, true
		}
		if _, ok := falseSlots[slot]; !ok {
			return 0, false
		}
	}
	return lib.EmptySlot(n), true
}
