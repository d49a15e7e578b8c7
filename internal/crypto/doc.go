// Package crypto 提供控制面所需的密码学能力：
// 对称密钥的生成与派生、任务与结果载荷的认证加密（AES-256-GCM）、
// 客户端证书的固定与校验，以及用于静态配置的混淆工具。
//
// 混淆工具仅用于提高逆向成本，不提供任何密码学保证。
package crypto
