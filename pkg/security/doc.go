/*
Package security provides AES-256-GCM payload sealing for the communication
hub.

Protocol pairs that declare encryption run their message payloads through a
Sealer before transport. Keys are either 32 raw bytes or derived from a
shared secret via SHA-256. The nonce is generated per message and prepended
to the ciphertext; GCM authentication covers integrity, so tampering fails
decryption rather than producing garbage.
*/
package security
