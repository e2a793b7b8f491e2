package chain

import (
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

// RouterMetaData holds the router contract ABI: the request lifecycle
// functions, the read accessors the node uses, and the events it watches.
var RouterMetaData = &bind.MetaData{
	ABI: `[
 {"type":"function","name":"initialiseRequest","stateMutability":"nonpayable","inputs":[
  {"name":"provider","type":"address"},{"name":"fee","type":"uint256"},{"name":"nonce","type":"uint256"},
  {"name":"dataSpec","type":"string"},{"name":"gasPriceLimit","type":"uint256"},{"name":"expiresAt","type":"uint256"},
  {"name":"requestId","type":"bytes32"},{"name":"callbackSelector","type":"bytes4"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"fulfillRequest","stateMutability":"nonpayable","inputs":[
  {"name":"requestId","type":"bytes32"},{"name":"requestedData","type":"uint256"},{"name":"signature","type":"bytes"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"cancelRequest","stateMutability":"nonpayable","inputs":[
  {"name":"requestId","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"grantProviderPermission","stateMutability":"nonpayable","inputs":[
  {"name":"provider","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"revokeProviderPermission","stateMutability":"nonpayable","inputs":[
  {"name":"provider","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getDataRequestConsumer","stateMutability":"view","inputs":[
  {"name":"requestId","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"getProviderGranted","stateMutability":"view","inputs":[
  {"name":"consumer","type":"address"},{"name":"provider","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getSalt","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
 {"type":"function","name":"getTotalTokensHeld","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"event","name":"DataRequested","anonymous":false,"inputs":[
  {"name":"consumer","type":"address","indexed":true},{"name":"provider","type":"address","indexed":true},
  {"name":"fee","type":"uint256","indexed":false},{"name":"dataSpec","type":"string","indexed":false},
  {"name":"requestId","type":"bytes32","indexed":true},{"name":"gasPriceLimit","type":"uint256","indexed":false},
  {"name":"expiresAt","type":"uint256","indexed":false},{"name":"callbackSelector","type":"bytes4","indexed":false},
  {"name":"nonce","type":"uint256","indexed":false}]},
 {"type":"event","name":"ProviderPermissionGranted","anonymous":false,"inputs":[
  {"name":"consumer","type":"address","indexed":true},{"name":"provider","type":"address","indexed":true}]},
 {"type":"event","name":"ProviderPermissionRevoked","anonymous":false,"inputs":[
  {"name":"consumer","type":"address","indexed":true},{"name":"provider","type":"address","indexed":true}]},
 {"type":"event","name":"RequestFulfilled","anonymous":false,"inputs":[
  {"name":"consumer","type":"address","indexed":true},{"name":"provider","type":"address","indexed":true},
  {"name":"requestId","type":"bytes32","indexed":true},{"name":"requestedData","type":"uint256","indexed":false},
  {"name":"fee","type":"uint256","indexed":false},{"name":"gasUsed","type":"uint256","indexed":false}]},
 {"type":"event","name":"RequestCancelled","anonymous":false,"inputs":[
  {"name":"consumer","type":"address","indexed":true},{"name":"provider","type":"address","indexed":true},
  {"name":"requestId","type":"bytes32","indexed":true},{"name":"refund","type":"uint256","indexed":false}]}
]`,
}
