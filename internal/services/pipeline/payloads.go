package pipeline

import "sync"

// payloadCache holds inline source documents and the plaintext callback
// secret between job creation and dispatch. Entries are process-local and
// dropped once the job reaches a terminal state; a restart loses them, which
// is the same contract as the watchdog timers. The secret stays until the
// drop because both the extract and the transform dispatch carry it.
type payloadCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	refs    map[string]string
	secrets map[string]string
}

func (c *payloadCache) put(jobID string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[jobID] = payload
}

func (c *payloadCache) putRef(jobID, ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs == nil {
		c.refs = make(map[string]string)
	}
	c.refs[jobID] = ref
}

func (c *payloadCache) putSecret(jobID, secret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.secrets == nil {
		c.secrets = make(map[string]string)
	}
	c.secrets[jobID] = secret
}

func (c *payloadCache) take(jobID string) ([]byte, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[jobID], c.refs[jobID]
}

func (c *payloadCache) secret(jobID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secrets[jobID]
}

func (c *payloadCache) drop(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, jobID)
	delete(c.refs, jobID)
	delete(c.secrets, jobID)
}
