// Package proxy implements proxy-mode initialization: subtree discovery of
// indexed repositories, the .code-indexer/config.json registry, and the
// classification of commands into their fan-out modes.
package proxy
