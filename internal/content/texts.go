package content

const textCheckUnavailable = `I can't check your subscription right now 😔

It looks like I have no access to the channel's member list.
Ask the channel admin to add this bot as an administrator and the check will start working ✅`

const textNeedSubscribe = `Before we start, please subscribe to the channel.

Once you're in, tap the button below and I'll check again.`

const textPracticeIntro = `<b>A date with your future self</b>

This short audio practice helps you meet the version of you that already has what you want.
Find 15 quiet minutes, put on headphones and tap the button when you're ready.`

const textPracticeInstruction = `<b>How to listen</b>

Sit or lie down comfortably, close your eyes and follow the voice.
Don't try to do it "right". Whatever comes up is the right answer.`

const textCheckupPrompt = `<b>How did the practice go?</b>

I've prepared a short check-up to help you notice what changed after the first meeting with your future self.`

const textVideoPrompt = `<b>What happens in the session?</b>

I recorded a short video that explains how a personal session works and what you can expect from it.`

const textCallInvite = `<b>Let's talk</b>

If you'd like to go deeper, book a free 20-minute call. We'll look at your request and see whether working together makes sense.`

const textStoryA = `<b>Anna's story</b>

Anna came with a feeling that life was passing her by. Here is what she wrote after our sessions 👇`

const textStoryB = `<b>Maxim's story</b>

Maxim didn't believe anything would work for him. Read what happened next 👇`

const textFinalPush = `<b>Ready for your own story?</b>

There are a few free slots left this week. Choose a time that suits you.`

const textReminder = `Just a reminder: your free call slot is still waiting.
Tap the button to choose a time.`

const textContactLink = `Great ✨

Tap the button below to open a direct chat:`

const textForwardFailed = `I couldn't forward the story from the channel 😔
Please check that the bot is added to the channel and can read its posts.`

const textFileMissing = `I can't find the %s on the server 😔
The administrator needs to upload the file or send it to the bot once so its handle is cached.`

const textApology = `Something went wrong on my side 😔 Please try again in a minute.`
