// Package proofs 提供用于证明任务输入输出完整性的加密原语。
//
// 托管结算要求买卖双方能够在不传输原始数据的前提下验证数据一致性，
// 因此这里实现了与序列化顺序无关的规范化哈希：相同的载荷与盐在任意
// 进程、任意机器上都会得到完全一致的摘要。
package proofs
