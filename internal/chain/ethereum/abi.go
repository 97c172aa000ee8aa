package ethereum

// Minimal ERC-20 fragment: balance, standing allowance, approval.
const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// Session-key manager fragment: time-boxed, token-scoped delegate grant.
const sessionKeyABI = `[
  {"inputs":[
    {"name":"delegate","type":"address"},
    {"name":"token","type":"address"},
    {"name":"tokenAllowance","type":"uint256"},
    {"name":"nativeAllowance","type":"uint256"},
    {"name":"validAfter","type":"uint256"},
    {"name":"validUntil","type":"uint256"}
  ],"name":"grantSessionKey","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`
