package nonce

import (
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"USDC-Treasurer/pkg/logger"
)

// Manager 为单个签名账户串行发放 nonce。所有变更都在互斥锁内完成，
// 锁从不跨网络调用持有：预留是立即且廉价的，慢速的签名、广播、
// 轮询都发生在预留之后。
type Manager struct {
	mu       sync.Mutex
	account  common.Address
	next     uint64
	reserved map[uint64]struct{}
	burned   int
}

// NewManager 构造指定账户的 nonce 管理器。
func NewManager(account common.Address) *Manager {
	return &Manager{
		account:  account,
		reserved: make(map[uint64]struct{}),
	}
}

// Account 返回管理器负责的账户。
func (m *Manager) Account() common.Address {
	return m.account
}

// Seed 在进程启动时初始化计数器。链上的视角可能落后于账本
//（上次进程在签名后、确认前崩溃），所以取两者中的较大值。
func (m *Manager) Seed(chainNonce uint64, ledgerMax *uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := chainNonce
	if ledgerMax != nil && *ledgerMax+1 > next {
		next = *ledgerMax + 1
	}
	m.next = next
	logger.L().Info("nonce 计数器已初始化",
		slog.String("account", m.account.Hex()),
		slog.Uint64("chain_nonce", chainNonce),
		slog.Uint64("next", next),
	)
}

// ReserveNext 原子地分配并返回下一个 nonce。
func (m *Manager) ReserveNext() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	m.next++
	m.reserved[n] = struct{}{}
	return n
}

// Release 在签名前失败时归还 nonce。只有当它是最高的未消费预留时
// 才返回可用池（否则会留下阻塞后续确认的空洞），其余情况永久作废。
// 返回值表示是否真正归还。
func (m *Manager) Release(n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reserved[n]; !ok {
		return false
	}
	delete(m.reserved, n)

	if n == m.next-1 {
		m.next--
		return true
	}
	m.burned++
	logger.L().Warn("nonce 已永久作废",
		slog.String("account", m.account.Hex()),
		slog.Uint64("nonce", n),
		slog.Int("burned_total", m.burned),
	)
	return false
}

// Consume 在交易成功广播后标记 nonce 已被链消费。
func (m *Manager) Consume(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, n)
}

// Reconcile 用链上的 nonce 视角修正计数器，只允许向前推进。
// 典型场景是节点返回 nonce too low 之后的重新对齐。
func (m *Manager) Reconcile(chainNonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chainNonce > m.next {
		logger.L().Warn("nonce 计数器落后于链，已前移",
			slog.String("account", m.account.Hex()),
			slog.Uint64("old_next", m.next),
			slog.Uint64("chain_nonce", chainNonce),
		)
		m.next = chainNonce
	}
}

// Next 返回下一个将被分配的 nonce，仅用于观测。
func (m *Manager) Next() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

// Burned 返回永久作废的 nonce 数量，仅用于观测。
func (m *Manager) Burned() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.burned
}
