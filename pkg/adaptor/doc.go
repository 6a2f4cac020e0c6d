// Package adaptor hosts the interchangeable code-agent engines and the
// contract runner that owns the sentinel heartbeat and the duplexed
// {sessionId}.output file for every variant.
package adaptor
