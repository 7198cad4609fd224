package engine

// User-visible rejection strings. The client shows these verbatim, so
// they stay in the locale players already know.
const (
	msgNotAuthenticated = "未登录"
	msgDuplicateAuth    = "重复登录"
	msgInvalidToken     = "无效的令牌"
	msgAuthFailed       = "登录失败"
	msgBannedPrefix     = "账号已被封禁: "

	msgRoomExists     = "房间已存在"
	msgRoomNotFound   = "房间不存在"
	msgRoomFull       = "房间已满"
	msgRoomLocked     = "房间已锁定"
	msgAlreadyInRoom  = "已在房间中"
	msgNotInRoom      = "不在房间中"
	msgBlacklisted    = "你已被该房间拉黑"
	msgNotWhitelisted = "你不在该房间的白名单中"
	msgMaxRooms       = "房间数量已达上限"
	msgInvalidRoomID  = "房间号不合法"

	msgNotOwner      = "你不是房主"
	msgWrongState    = "当前状态不允许此操作"
	msgNoChart       = "尚未选择谱面"
	msgNotReady      = "你还没有准备"
	msgAlreadyDone   = "你已经完成了本局"
	msgChartFetch    = "获取谱面信息失败"
	msgRecordFetch   = "获取成绩失败"
	msgFederation    = "跨服务器操作失败"
	msgKickedByAdmin = "你已被管理员移出房间"

	soloConfirmPrompt = "当前房间只有你一人，再次点击开始即可单人游玩"
)
