// Package contracts holds the ABIs of the on-chain contracts the service
// talks to.
package contracts

// HashLockEscrowABI is the interface of the EVM escrow contract used in
// place of native ledger escrows. Locks are keyed by an id assigned in
// lock(); release takes the 32-byte preimage whose SHA-256 is the lock's
// fingerprint.
const HashLockEscrowABI = `[
  {
    "type": "function",
    "name": "lock",
    "stateMutability": "payable",
    "inputs": [
      {"name": "recipient", "type": "address"},
      {"name": "fingerprint", "type": "bytes32"},
      {"name": "cancelAfter", "type": "uint64"}
    ],
    "outputs": [{"name": "id", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "release",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "id", "type": "uint256"},
      {"name": "preimage", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "reclaim",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "id", "type": "uint256"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "exists",
    "stateMutability": "view",
    "inputs": [{"name": "id", "type": "uint256"}],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "type": "event",
    "name": "Locked",
    "anonymous": false,
    "inputs": [
      {"name": "id", "type": "uint256", "indexed": false},
      {"name": "payer", "type": "address", "indexed": false},
      {"name": "recipient", "type": "address", "indexed": false},
      {"name": "amount", "type": "uint256", "indexed": false}
    ]
  }
]`
