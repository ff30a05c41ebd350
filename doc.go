/*
Package courier documents the courier module.

This module is CLI-first and ships the courier command:

	go install github.com/nuetzliches/courier/cmd/courier@latest

The delivery engine lives in internal packages: request, queue, retry,
transport, snapshot, storage, processor, bootstrap and the client facade
that ties them together. None of them is a stable public Go API.
*/
package courier
